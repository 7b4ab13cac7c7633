// README: Firebase Admin SDK initialisation, token verifier, RTDB and Firestore clients.
package infra

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"
)

// FirebaseToken holds the verified token data used by downstream middleware.
type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// PhoneNumber returns the phone_number claim set by Firebase phone sign-in, if any.
func (t *FirebaseToken) PhoneNumber() string {
	return stringClaim(t.Claims, "phone_number")
}

// DisplayName returns the name claim, if any.
func (t *FirebaseToken) DisplayName() string {
	return stringClaim(t.Claims, "name")
}

func stringClaim(claims map[string]interface{}, key string) string {
	if claims == nil {
		return ""
	}
	v, _ := claims[key].(string)
	return v
}

// TokenVerifier verifies a raw Firebase ID token string and returns token data.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

// Firebase bundles the long-lived Firebase clients built once at startup.
type Firebase struct {
	App       *firebase.App
	Verifier  TokenVerifier
	RTDB      *db.Client
	Firestore *firestore.Client
}

// NewFirebase initialises the Admin SDK. If credentialsFile is empty,
// application-default credentials / GOOGLE_APPLICATION_CREDENTIALS are used.
// The RTDB client is only created when databaseURL is set.
func NewFirebase(ctx context.Context, projectID, credentialsFile, databaseURL string) (*Firebase, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID, DatabaseURL: databaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Firestore: %w", err)
	}
	fb := &Firebase{
		App:       app,
		Verifier:  &firebaseVerifier{client: authClient},
		Firestore: fs,
	}
	if databaseURL != "" {
		rtdb, err := app.Database(ctx)
		if err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("firebase app.Database: %w", err)
		}
		fb.RTDB = rtdb
	}
	return fb, nil
}

func (f *Firebase) Close() error {
	return f.Firestore.Close()
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}
