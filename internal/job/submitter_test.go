package job_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"comfyrun/internal/job"
	"comfyrun/internal/services"
	"comfyrun/internal/services/comfyui"
	"comfyrun/internal/testsupport"
)

type fakeService struct {
	graphs    []map[string]any
	uploads   []string
	queueErr  error
	uploadErr error
	promptID  string
}

func (f *fakeService) QueuePrompt(_ context.Context, graph map[string]any, _ string) (string, error) {
	if f.queueErr != nil {
		return "", f.queueErr
	}
	f.graphs = append(f.graphs, graph)
	if f.promptID == "" {
		return "prompt-1", nil
	}
	return f.promptID, nil
}

func (f *fakeService) UploadImage(_ context.Context, path string) (comfyui.UploadedImage, error) {
	if f.uploadErr != nil {
		return comfyui.UploadedImage{}, f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return comfyui.UploadedImage{Name: filepath.Base(path), Subfolder: "refs", Type: "input"}, nil
}

func nodeInput(t *testing.T, graph map[string]any, node, input string) any {
	t.Helper()
	n, ok := graph[node].(map[string]any)
	if !ok {
		t.Fatalf("node %s missing", node)
	}
	inputs, _ := n["inputs"].(map[string]any)
	return inputs[input]
}

func TestSubmitInjectsParametersAndStampsHandle(t *testing.T) {
	dir := t.TempDir()
	template := testsupport.WriteTemplate(t, dir, "{{image}}")
	service := &fakeService{}
	submittedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	submitter := job.NewSubmitter(service, "", job.WithClock(func() time.Time { return submittedAt }), job.WithClientID("client-x"))

	handle, err := submitter.Submit(context.Background(), job.Definition{
		ID: "j1", Template: template, Prompt: "a fox running", NegativePrompt: "blurry", Prefix: "fox_run",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if handle.JobID != "prompt-1" || !handle.SubmittedAt.Equal(submittedAt) || handle.ClientID != "client-x" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	graph := service.graphs[0]
	if got := nodeInput(t, graph, "6", "text"); got != "a fox running" {
		t.Fatalf("prompt not injected: %v", got)
	}
	if got := nodeInput(t, graph, "7", "text"); got != "blurry" {
		t.Fatalf("negative prompt not injected: %v", got)
	}
	if got := nodeInput(t, graph, "9", "filename_prefix"); got != "fox_run" {
		t.Fatalf("prefix not injected: %v", got)
	}

	again, err := job.LoadGraph(template)
	if err != nil {
		t.Fatal(err)
	}
	if got := nodeInput(t, again, "6", "text"); got != "{{prompt}}" {
		t.Fatalf("template file must be untouched, got %v", got)
	}
}

func TestSubmitKeepsBracesInPromptText(t *testing.T) {
	dir := t.TempDir()
	template := testsupport.WriteTemplate(t, dir, "{{image}}")
	service := &fakeService{}

	_, err := job.NewSubmitter(service, "").Submit(context.Background(), job.Definition{
		ID: "j1", Template: template, Prompt: "a sign reading {{word}}", NegativePrompt: "{{prompt}}", Prefix: "sign",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	graph := service.graphs[0]
	if got := nodeInput(t, graph, "6", "text"); got != "a sign reading {{word}}" {
		t.Fatalf("prompt text altered: %v", got)
	}
	if got := nodeInput(t, graph, "7", "text"); got != "{{prompt}}" {
		t.Fatalf("negative prompt text altered: %v", got)
	}
}

func TestSubmitCopiesReferenceIntoInputDir(t *testing.T) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	template := testsupport.WriteTemplate(t, dir)
	ref := filepath.Join(dir, "ref.png")
	testsupport.WritePNG(t, ref)
	service := &fakeService{}

	_, err := job.NewSubmitter(service, inputDir).Submit(context.Background(), job.Definition{
		ID: "j1", Template: template, Prompt: "p", ReferenceImage: ref, Prefix: "pre",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(inputDir, "ref.png")); err != nil {
		t.Fatalf("reference not staged: %v", err)
	}
	if len(service.uploads) != 0 {
		t.Fatal("copy staging must not upload")
	}
	if got := nodeInput(t, service.graphs[0], "10", "image"); got != "ref.png" {
		t.Fatalf("image not injected: %v", got)
	}
}

func TestSubmitUploadsReferenceWithoutInputDir(t *testing.T) {
	dir := t.TempDir()
	template := testsupport.WriteTemplate(t, dir)
	ref := filepath.Join(dir, "ref.png")
	testsupport.WritePNG(t, ref)
	service := &fakeService{}

	_, err := job.NewSubmitter(service, "").Submit(context.Background(), job.Definition{
		ID: "j1", Template: template, Prompt: "p", ReferenceImage: ref, Prefix: "pre",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(service.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(service.uploads))
	}
	if got := nodeInput(t, service.graphs[0], "10", "image"); got != "refs/ref.png" {
		t.Fatalf("image ref not injected: %v", got)
	}
}

func TestSubmitMalformedDefinitions(t *testing.T) {
	dir := t.TempDir()
	withImage := testsupport.WriteTemplate(t, dir)
	noPrefixDir := t.TempDir()
	noPrefix := testsupport.WriteTemplate(t, noPrefixDir, "{{prefix}}", "{{image}}")
	badJSON := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badJSON, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	brokenLinkDir := t.TempDir()
	brokenLink := filepath.Join(brokenLinkDir, "broken.json")
	if err := os.WriteFile(brokenLink, []byte(`{"9":{"class_type":"SaveImage","inputs":{"filename_prefix":"{{prefix}}","images":["42",0]}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	unknownPlaceholder := filepath.Join(brokenLinkDir, "unknown.json")
	if err := os.WriteFile(unknownPlaceholder, []byte(`{"9":{"class_type":"SaveImage","inputs":{"filename_prefix":"{{prefix}}","seed":"{{seed}}"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		def  job.Definition
		want string
	}{
		{"missing prefix", job.Definition{ID: "j", Template: withImage}, "prefix"},
		{"missing template file", job.Definition{ID: "j", Template: filepath.Join(dir, "nope.json"), Prefix: "p"}, "read template"},
		{"invalid json", job.Definition{ID: "j", Template: badJSON, Prefix: "p"}, "parse template"},
		{"template without prefix placeholder", job.Definition{ID: "j", Template: noPrefix, Prefix: "p"}, "{{prefix}}"},
		{"image expected but absent", job.Definition{ID: "j", Template: withImage, Prefix: "p"}, "reference image"},
		{"reference missing on disk", job.Definition{ID: "j", Template: withImage, Prefix: "p", ReferenceImage: filepath.Join(dir, "gone.png")}, "gone.png"},
		{"dangling link", job.Definition{ID: "j", Template: brokenLink, Prefix: "p"}, "missing node 42"},
		{"unsupported placeholder", job.Definition{ID: "j", Template: unknownPlaceholder, Prefix: "p"}, "{{seed}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &fakeService{}
			_, err := job.NewSubmitter(service, "").Submit(context.Background(), tc.def)
			subErr, ok := job.AsSubmissionError(err)
			if !ok {
				t.Fatalf("expected SubmissionError, got %v", err)
			}
			if subErr.Kind != job.KindMalformed {
				t.Fatalf("expected malformed, got %s", subErr.Kind)
			}
			if subErr.Retryable() {
				t.Fatal("malformed submissions are not retryable")
			}
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation marker, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
			if len(service.graphs) != 0 {
				t.Fatal("malformed definitions must never reach the service")
			}
		})
	}
}

func TestSubmitClassifiesServiceFailures(t *testing.T) {
	dir := t.TempDir()
	template := testsupport.WriteTemplate(t, dir, "{{image}}")
	def := job.Definition{ID: "j", Template: template, Prompt: "p", Prefix: "p"}

	cases := []struct {
		name string
		err  error
		want job.ErrorKind
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), job.KindUnavailable},
		{"server error", &comfyui.StatusError{Op: "queue prompt", StatusCode: http.StatusInternalServerError}, job.KindUnavailable},
		{"rate limited", &comfyui.StatusError{Op: "queue prompt", StatusCode: http.StatusTooManyRequests}, job.KindUnavailable},
		{"validation rejected", &comfyui.StatusError{Op: "queue prompt", StatusCode: http.StatusBadRequest}, job.KindMalformed},
		{"node errors", &comfyui.PromptError{Message: "Prompt outputs failed validation", Nodes: []string{"9"}}, job.KindMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := job.NewSubmitter(&fakeService{queueErr: tc.err}, "").Submit(context.Background(), def)
			subErr, ok := job.AsSubmissionError(err)
			if !ok {
				t.Fatalf("expected SubmissionError, got %v", err)
			}
			if subErr.Kind != tc.want {
				t.Fatalf("kind=%s want %s", subErr.Kind, tc.want)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause must be preserved: %v", err)
			}
		})
	}
}
