package provisioning

import (
	"context"
	"fmt"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/parsedu/school-admin/domains/accounts/be/service"
)

// FirebaseIdentityStore implements the identity store capability on top of
// the Firebase Auth admin SDK.
type FirebaseIdentityStore struct {
	client *firebaseauth.Client
}

func NewFirebaseIdentityStore(client *firebaseauth.Client) *FirebaseIdentityStore {
	if client == nil {
		panic("firebase auth client is required")
	}
	return &FirebaseIdentityStore{client: client}
}

// Create registers a pre-confirmed identity and returns the assigned UID.
// The secret never leaves this call; Firebase stores only its hash.
func (f *FirebaseIdentityStore) Create(ctx context.Context, identity service.NewIdentity) (string, error) {
	params := (&firebaseauth.UserToCreate{}).
		Email(identity.Email).
		Password(identity.Secret).
		EmailVerified(true).
		DisplayName(identity.FullName)

	user, err := f.client.CreateUser(ctx, params)
	if err != nil {
		if firebaseauth.IsEmailAlreadyExists(err) {
			return "", service.ErrEmailAlreadyRegistered
		}
		return "", fmt.Errorf("create identity: %w", err)
	}

	return user.UID, nil
}

func (f *FirebaseIdentityStore) Delete(ctx context.Context, id string) error {
	if err := f.client.DeleteUser(ctx, id); err != nil {
		if firebaseauth.IsUserNotFound(err) {
			return service.ErrIdentityNotFound
		}
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

func (f *FirebaseIdentityStore) LookupByEmail(ctx context.Context, email string) (string, error) {
	user, err := f.client.GetUserByEmail(ctx, email)
	if err != nil {
		if firebaseauth.IsUserNotFound(err) {
			return "", service.ErrIdentityNotFound
		}
		return "", fmt.Errorf("lookup identity by email: %w", err)
	}
	return user.UID, nil
}

var _ service.IdentityStore = (*FirebaseIdentityStore)(nil)
