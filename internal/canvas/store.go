package canvas

import (
	"context"
	"regexp"

	"github.com/haasonsaas/canvasd/pkg/models"
)

// MetadataStore persists the durable record of a canvas: its user index
// table and edit metadata. LoadCanvas returns ErrNotFound for unknown ids.
type MetadataStore interface {
	LoadCanvas(ctx context.Context, id string) (*models.Canvas, error)
	SaveCanvas(ctx context.Context, c *models.Canvas) error
}

// UserDirectory resolves durable user ids to display identities. Unknown
// users are reported with ErrNotFound.
type UserDirectory interface {
	ResolveUser(ctx context.Context, id string) (*models.User, error)
}

// SnapshotStore holds one opaque log blob per canvas. Load reports a missing
// blob with an error matching fs.ErrNotExist.
type SnapshotStore interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error
}

// Subscriber is one connection attached to a canvas session. Send must not
// block on the network and must not call back into the session.
type Subscriber interface {
	ID() string
	User() *models.User
	Color() string
	ResumeToken() string
	SetResumeToken(token string)
	Send(msg Message) error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id can be used as a canvas id. Ids double as file
// names and object keys, so path separators and dots are rejected.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
