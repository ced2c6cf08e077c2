// Package authority defines the narrow interface the core uses to
// authenticate a handshake and resolve collaborator roles, plus a
// reference SQLite-backed implementation. AuthorityStore is an external
// collaborator per the spec: the core calls it synchronously from the
// handshake layer only, never while holding a per-session lock.
package authority

import (
	"context"

	"github.com/google/uuid"
)

// Identity is what a successful Authenticate call resolves.
type Identity struct {
	UserID           uuid.UUID
	CanEdit          bool
	DisplayName      string
	AvatarURL        string
	Role             string
	EffectiveClientID uuid.UUID
}

// Store is the narrow interface the core consumes. Implementations may do
// blocking I/O — callers never hold a session lock across these calls.
type Store interface {
	// ResolveProjectOwner returns the userId that owns projectID.
	ResolveProjectOwner(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error)
	// ResolveCollaboratorRole returns the collaborator role for userID on
	// projectID (e.g. "viewer", "editor", "admin"), or an error if the
	// user has no collaborator record.
	ResolveCollaboratorRole(ctx context.Context, projectID, userID uuid.UUID) (string, error)
	// VerifyBearerToken resolves an opaque bearer token to a userID,
	// display name, and avatar URL.
	VerifyBearerToken(ctx context.Context, token string) (userID uuid.UUID, displayName, avatarURL string, err error)
}

// editorRoles is the set of collaborator roles that grant edit access.
var editorRoles = map[string]bool{
	"editor": true,
	"admin":  true,
}

// Adapter authenticates a handshake against a Store, producing the
// Identity the session registry needs to create a Connection.
type Adapter struct {
	store Store
}

// New builds an Adapter over store.
func New(store Store) *Adapter {
	return &Adapter{store: store}
}

// Authenticate resolves token and projectId into an Identity, or one of
// the closed-set handshake errors: NO_TOKEN, BAD_TOKEN, PROJECT_NOT_FOUND,
// NOT_A_COLLABORATOR.
func (a *Adapter) Authenticate(ctx context.Context, token string, projectID uuid.UUID, clientIDHint string) (Identity, error) {
	if token == "" {
		return Identity{}, errNoToken
	}

	userID, displayName, avatarURL, err := a.store.VerifyBearerToken(ctx, token)
	if err != nil {
		return Identity{}, errBadToken
	}

	ownerID, err := a.store.ResolveProjectOwner(ctx, projectID)
	if err != nil {
		return Identity{}, errProjectNotFound
	}

	var canEdit bool
	var role string
	if ownerID == userID {
		canEdit = true
		role = "admin"
	} else {
		role, err = a.store.ResolveCollaboratorRole(ctx, projectID, userID)
		if err != nil {
			return Identity{}, errNotACollaborator
		}
		canEdit = editorRoles[role]
	}

	effectiveClientID, err := uuid.Parse(clientIDHint)
	if clientIDHint == "" || err != nil {
		effectiveClientID = uuid.New()
	}

	return Identity{
		UserID:            userID,
		CanEdit:           canEdit,
		DisplayName:       displayName,
		AvatarURL:         avatarURL,
		Role:              role,
		EffectiveClientID: effectiveClientID,
	}, nil
}
