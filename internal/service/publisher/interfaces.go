package publisher

import "context"

// Poster is the destination platform port
type Poster interface {
	GetPlatformName() string

	// UploadMedia uploads one local file and returns its media handle
	UploadMedia(ctx context.Context, path string) (string, error)

	// CreatePost publishes text with up to four media handles, as a reply to
	// replyTo when non-empty, and returns the new post id
	CreatePost(ctx context.Context, text string, mediaIDs []string, replyTo string) (string, error)

	VerifyCredentials(ctx context.Context) error
}
