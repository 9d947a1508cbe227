package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"comfyrun/internal/fileutil"
	"comfyrun/internal/logging"
	"comfyrun/internal/services"
	"comfyrun/internal/services/comfyui"
)

// PromptService is the slice of the compute service the submitter needs.
type PromptService interface {
	QueuePrompt(ctx context.Context, graph map[string]any, clientID string) (string, error)
	UploadImage(ctx context.Context, path string) (comfyui.UploadedImage, error)
}

// Submitter builds workflow graphs from definitions and queues them. It never
// retries; the caller decides whether to resubmit.
type Submitter struct {
	service  PromptService
	inputDir string
	clientID string
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithClock overrides the clock used to stamp SubmittedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClientID fixes the client identifier sent with every prompt.
func WithClientID(id string) Option {
	return func(s *Submitter) {
		if strings.TrimSpace(id) != "" {
			s.clientID = id
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) {
		s.logger = logger
	}
}

// NewSubmitter constructs a Submitter. When inputDir is non-empty reference
// images are copied there; otherwise they are uploaded through the service.
func NewSubmitter(service PromptService, inputDir string, opts ...Option) *Submitter {
	s := &Submitter{
		service:  service,
		inputDir: strings.TrimSpace(inputDir),
		clientID: uuid.NewString(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "submitter")
	return s
}

// ClientID returns the client identifier sent with prompts.
func (s *Submitter) ClientID() string {
	return s.clientID
}

// Submit validates def, stages its reference image, injects parameters into
// the template, and queues the resulting graph.
func (s *Submitter) Submit(ctx context.Context, def Definition) (Handle, error) {
	logger := logging.WithContext(ctx, s.logger)

	if err := def.Validate(); err != nil {
		return Handle{}, malformed("validate definition", err)
	}
	graph, err := LoadGraph(def.Template)
	if err != nil {
		return Handle{}, malformed("load template", err)
	}

	placeholders := make(map[string]struct{})
	for _, p := range graph.Placeholders() {
		placeholders[p] = struct{}{}
	}
	if _, ok := placeholders[PlaceholderPrefix]; !ok {
		return Handle{}, malformed("load template", fmt.Errorf("template %s has no %s placeholder", def.Template, PlaceholderPrefix))
	}
	var unknown []string
	for p := range placeholders {
		switch p {
		case PlaceholderPrompt, PlaceholderNegativePrompt, PlaceholderImage, PlaceholderPrefix:
		default:
			unknown = append(unknown, p)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Handle{}, malformed("load template", fmt.Errorf("template %s has unsupported placeholders: %s", def.Template, strings.Join(unknown, ", ")))
	}
	_, wantsImage := placeholders[PlaceholderImage]
	if wantsImage && strings.TrimSpace(def.ReferenceImage) == "" {
		return Handle{}, malformed("stage reference", errors.New("template expects a reference image but none was given"))
	}

	values := map[string]string{
		PlaceholderPrompt:         def.Prompt,
		PlaceholderNegativePrompt: def.NegativePrompt,
		PlaceholderPrefix:         def.Prefix,
	}
	if strings.TrimSpace(def.ReferenceImage) != "" {
		ref, err := s.stageReference(ctx, def.ReferenceImage)
		if err != nil {
			return Handle{}, err
		}
		values[PlaceholderImage] = ref
	}

	// Parameter text may itself contain {{...}}; it is injected verbatim.
	injected := graph.Inject(values)
	if err := injected.Validate(); err != nil {
		return Handle{}, malformed("validate graph", err)
	}

	promptID, err := s.service.QueuePrompt(ctx, injected, s.clientID)
	if err != nil {
		var statusErr *comfyui.StatusError
		if errors.As(err, &statusErr) && statusErr.Rejected() {
			return Handle{}, malformed("queue prompt", err)
		}
		var promptErr *comfyui.PromptError
		if errors.As(err, &promptErr) {
			return Handle{}, malformed("queue prompt", err)
		}
		return Handle{}, unavailable("queue prompt", err)
	}

	handle := Handle{JobID: promptID, SubmittedAt: s.now(), ClientID: s.clientID}
	logger.Info("job submitted",
		logging.String(logging.FieldPromptID, promptID),
		logging.String("prefix", def.Prefix),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	return handle, nil
}

func (s *Submitter) stageReference(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", malformed("stage reference", err)
	}
	if info.IsDir() {
		return "", malformed("stage reference", fmt.Errorf("%s is a directory", path))
	}
	if s.inputDir != "" {
		name := filepath.Base(path)
		if err := fileutil.CopyFile(path, filepath.Join(s.inputDir, name)); err != nil {
			return "", unavailable("stage reference", err)
		}
		return name, nil
	}
	uploaded, err := s.service.UploadImage(ctx, path)
	if err != nil {
		var statusErr *comfyui.StatusError
		if errors.As(err, &statusErr) && statusErr.Rejected() {
			return "", malformed("upload reference", err)
		}
		return "", unavailable("upload reference", err)
	}
	return uploaded.Ref(), nil
}

func malformed(op string, err error) error {
	return &SubmissionError{
		Kind: KindMalformed,
		Op:   op,
		Err:  services.Wrap(services.ErrValidation, "submit", op, "", err),
	}
}

func unavailable(op string, err error) error {
	return &SubmissionError{
		Kind: KindUnavailable,
		Op:   op,
		Err:  services.Wrap(services.ErrTransient, "submit", op, "", err),
	}
}
