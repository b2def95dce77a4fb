package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/models"
)

// ErrWriteFailed wraps every storage failure while persisting job output.
var ErrWriteFailed = errors.New("artifact write failed")

// Bundle is the generated output of one job.
type Bundle struct {
	Audio   []byte
	Format  string
	Artwork []byte
}

// Writer stores job output under <jobID>/ and builds the job result. Cover
// artwork is stored with a JPEG thumbnail.
type Writer struct {
	store      Store
	timeout    time.Duration
	thumbWidth int
	logger     zerolog.Logger
}

// New picks S3 when a bucket is configured and the local filesystem
// otherwise.
func New(ctx context.Context, cfg config.ArtifactsConfig, logger zerolog.Logger) (*Writer, error) {
	var st Store = NewLocal(cfg.Dir)
	if cfg.S3Bucket != "" {
		s3Store, err := NewS3(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st = s3Store
	}
	return NewWriter(st, cfg.Timeout, cfg.ThumbnailWidth, logger), nil
}

func NewWriter(st Store, timeout time.Duration, thumbWidth int, logger zerolog.Logger) *Writer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if thumbWidth <= 0 {
		thumbWidth = 320
	}
	return &Writer{
		store:      st,
		timeout:    timeout,
		thumbWidth: thumbWidth,
		logger:     logger.With().Str("component", "artifact").Logger(),
	}
}

// Write persists b and returns the URLs to record on the job. Every returned
// error wraps ErrWriteFailed.
func (w *Writer) Write(ctx context.Context, jobID string, b Bundle) (models.Result, error) {
	if len(b.Audio) == 0 {
		return models.Result{}, fmt.Errorf("%w: empty audio", ErrWriteFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	format := strings.ToLower(strings.TrimPrefix(b.Format, "."))
	if format == "" {
		format = "mp3"
	}
	audioURL, err := w.store.Put(ctx, jobID+"/audio."+format, b.Audio, audioContentType(format))
	if err != nil {
		return models.Result{}, fmt.Errorf("%w: audio: %v", ErrWriteFailed, err)
	}
	result := models.Result{ArtifactURL: audioURL, Format: format}

	if len(b.Artwork) == 0 {
		return result, nil
	}
	img, imgFormat, err := image.Decode(bytes.NewReader(b.Artwork))
	if err != nil {
		// Artwork is optional; a broken image does not fail the job.
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("skip undecodable artwork")
		return result, nil
	}
	artURL, err := w.store.Put(ctx, jobID+"/artwork."+imageExtension(imgFormat), b.Artwork, "image/"+imgFormat)
	if err != nil {
		return models.Result{}, fmt.Errorf("%w: artwork: %v", ErrWriteFailed, err)
	}
	result.ArtworkURL = artURL

	thumb := imaging.Resize(img, w.thumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return models.Result{}, fmt.Errorf("%w: encode thumbnail: %v", ErrWriteFailed, err)
	}
	thumbURL, err := w.store.Put(ctx, jobID+"/thumbnail.jpg", buf.Bytes(), "image/jpeg")
	if err != nil {
		return models.Result{}, fmt.Errorf("%w: thumbnail: %v", ErrWriteFailed, err)
	}
	result.ThumbnailURL = thumbURL
	return result, nil
}

func audioContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	}
	return "application/octet-stream"
}

func imageExtension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
