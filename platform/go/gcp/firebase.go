package gcp

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// CredentialsPathEnv points at a service-account JSON file for local runs.
// In-cluster deployments rely on application default credentials instead.
const CredentialsPathEnv = "FIREBASE_CONFIG"

// GetApp creates a Firebase App instance, honoring an optional credentials file.
func GetApp(ctx context.Context, pathToJSON *string) (app *firebase.App, err error) {
	if pathToJSON != nil {
		sa := option.WithCredentialsFile(*pathToJSON)
		app, err = firebase.NewApp(ctx, nil, sa)
	} else {
		app, err = firebase.NewApp(ctx, nil)
	}

	if err != nil {
		return nil, err
	}
	return
}

// InitFirebaseAuth initializes the Firebase App and returns an Auth client.
func InitFirebaseAuth(ctx context.Context) (*firebase.App, *firebaseauth.Client, error) {
	var credsPath *string
	if path, found := os.LookupEnv(CredentialsPathEnv); found {
		credsPath = &path
	}

	firebaseApp, err := GetApp(ctx, credsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing firebase app [%w]", err)
	}

	fbAuth, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing firebase auth [%w]", err)
	}

	return firebaseApp, fbAuth, nil
}
