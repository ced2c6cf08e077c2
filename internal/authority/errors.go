package authority

import "github.com/seenwd/ascend-collab-core/internal/coreerr"

var (
	errNoToken          = coreerr.New(coreerr.NoToken, "no bearer token supplied")
	errBadToken         = coreerr.New(coreerr.BadToken, "bearer token is invalid or expired")
	errProjectNotFound  = coreerr.New(coreerr.ProjectNotFound, "project does not exist")
	errNotACollaborator = coreerr.New(coreerr.NotACollaborator, "user is not a collaborator on this project")
)
