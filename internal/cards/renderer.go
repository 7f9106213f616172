// Package cards renders credential cards to disk and, optionally, publishes
// them to an image CDN.
package cards

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"qrattend/internal/attendance"
	"qrattend/internal/cloudinary"
	"qrattend/internal/credential"
	"qrattend/internal/queue"
)

// Uploader publishes a rendered PNG card.
type Uploader interface {
	UploadCard(ctx context.Context, png []byte, publicID string) (*cloudinary.UploadResult, error)
}

type Renderer struct {
	svc      *attendance.Service
	dir      string
	uploader Uploader
	log      *slog.Logger
}

// NewRenderer writes cards into dir. uploader may be nil.
func NewRenderer(svc *attendance.Service, dir string, uploader Uploader, logger *slog.Logger) *Renderer {
	return &Renderer{svc: svc, dir: dir, uploader: uploader, log: logger}
}

// Render writes the card of the person holding tok and returns its path.
// When an uploader is set the card is published and its URL recorded.
func (r *Renderer) Render(ctx context.Context, tok string) (string, error) {
	p, err := r.svc.Person(ctx, tok)
	if err != nil {
		return "", err
	}
	png, err := credential.RenderCardPNG(credential.CardData{Name: p.Name, RegisterNo: p.RegisterNo, Token: p.Token})
	if err != nil {
		return "", fmt.Errorf("render card %s: %w", p.RegisterNo, err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create card dir: %w", err)
	}
	path := filepath.Join(r.dir, credential.CardFileName(p.RegisterNo, p.Token))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write card: %w", err)
	}

	if r.uploader != nil {
		res, err := r.uploader.UploadCard(ctx, png, credential.CardPublicID(p.RegisterNo, p.Token))
		if err != nil {
			return path, fmt.Errorf("upload card %s: %w", p.RegisterNo, err)
		}
		if err := r.svc.SetCardURL(ctx, p.Token, res.SecureURL); err != nil {
			return path, err
		}
	}
	return path, nil
}

// Run consumes render jobs from q until ctx is done. Failed jobs are logged
// and dropped.
func (r *Renderer) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for msg := range msgs {
		if msg.Type != queue.TypeRenderCard {
			r.log.Warn("unknown job type", "type", msg.Type, "id", msg.ID)
			continue
		}
		path, err := r.Render(ctx, string(msg.Body))
		if err != nil {
			r.log.Error("card job failed", "id", msg.ID, "err", err)
			continue
		}
		r.log.Info("card rendered", "id", msg.ID, "path", path)
	}
	return nil
}
