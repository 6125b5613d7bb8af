package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"jobrelay/internal/config"
	"jobrelay/internal/jobs"
)

// ThumbnailSteps are reported in order by the thumbnail job.
var ThumbnailSteps = []string{"download", "transform", "upload"}

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Thumbnail downloads an image, resizes it and stores the output locally or in S3.
type Thumbnail struct {
	cfg        config.Config
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
}

type thumbnailInput struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewThumbnail builds the handler. The S3 client is only created when a bucket is configured.
func NewThumbnail(ctx context.Context, cfg config.Config) (*Thumbnail, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &Thumbnail{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle runs download, transform and upload, reporting each as a step.
func (h *Thumbnail) Handle(ctx context.Context, inv jobs.Invocation, cb jobs.Callbacks) (any, error) {
	in, err := h.decodeInput(inv.Input)
	if err != nil {
		return nil, jobs.Fail("INVALID_INPUT", err)
	}
	uploader, err := h.pickUploader(in.Destination)
	if err != nil {
		return nil, jobs.Fail("INVALID_INPUT", err)
	}

	if err := cb.Progress(ctx, jobs.ProgressReport{Step: "download"}); err != nil {
		return nil, err
	}
	data, contentType, err := h.download(ctx, in.SourceURL)
	if err != nil {
		if cerr := ctxErr(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, jobs.Fail("DOWNLOAD_FAILED", err)
	}
	if err := cb.Progress(ctx, jobs.ProgressReport{Step: "download", Percent: 100, Extra: map[string]any{"bytes": len(data)}}); err != nil {
		return nil, err
	}

	if err := cb.Progress(ctx, jobs.ProgressReport{Step: "transform"}); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, jobs.Fail("UNSUPPORTED_IMAGE", fmt.Errorf("decode image: %w", err))
	}
	if in.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, in.Width, in.Height, imaging.Lanczos)

	outputFormat := chooseFormat(in.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	bounds := img.Bounds()
	if err := cb.Progress(ctx, jobs.ProgressReport{Step: "transform", Percent: 100}); err != nil {
		return nil, err
	}

	outputKey := in.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", inv.JobID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	if err := cb.Progress(ctx, jobs.ProgressReport{Step: "upload"}); err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, jobs.Fail("UPLOAD_FAILED", fmt.Errorf("upload: %w", err))
	}
	if err := cb.PartialResult(ctx, "location", map[string]any{"location": location}); err != nil {
		return nil, err
	}
	if err := cb.Progress(ctx, jobs.ProgressReport{Step: "upload", Percent: 100}); err != nil {
		return nil, err
	}

	return map[string]any{
		"location": location,
		"width":    bounds.Dx(),
		"height":   bounds.Dy(),
		"format":   formatExtension(outputFormat),
	}, nil
}

func (h *Thumbnail) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *Thumbnail) decodeInput(input map[string]any) (thumbnailInput, error) {
	in := thumbnailInput{
		Width:  h.cfg.ImageDefaultWidth,
		Height: h.cfg.ImageDefaultHeight,
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return in, fmt.Errorf("marshal input: %w", err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("decode input: %w", err)
	}
	if in.SourceURL == "" {
		return in, errors.New("source_url is required")
	}
	if in.Width < 0 || in.Height < 0 {
		return in, errors.New("width and height must not be negative")
	}
	if in.Width == 0 && in.Height == 0 {
		in.Width, in.Height = h.cfg.ImageDefaultWidth, h.cfg.ImageDefaultHeight
	}
	if in.Width == 0 && in.Height == 0 {
		in.Width = 320
	}
	if in.Destination == "" {
		if h.s3 != nil {
			in.Destination = "s3"
		} else {
			in.Destination = "local"
		}
	}
	return in, nil
}

func (h *Thumbnail) pickUploader(destination string) (imageUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
	case "local":
		return h.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

// sanitizeKey keeps output keys relative so they cannot escape the output directory.
func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
