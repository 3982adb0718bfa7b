package provider

import "context"

// ModelKind classifies a model by the request shape it needs. The kind is
// derived from the model identifier and decides which fields are required.
type ModelKind string

const (
	KindTextToVideo      ModelKind = "text_to_video"
	KindImageToVideo     ModelKind = "image_to_video"
	KindKeyframeToVideo  ModelKind = "keyframe_to_video"
	KindReferenceToVideo ModelKind = "reference_to_video"
)

// Provider is one external video generation service.
type Provider interface {
	Name() string
	SupportedModels() []string

	// Validate normalizes params for the given model. It is pure and
	// idempotent: re-validating its own output yields the same result.
	Validate(model string, params Params) (Params, error)

	// Call runs one generation end to end: staging, remote create,
	// polling, artifact download. Blocks until the remote job is terminal.
	Call(ctx context.Context, model string, params Params) (*Result, error)
}

// Video is one produced media descriptor inside a Result.
type Video struct {
	Index         int    `json:"index"`
	URL           string `json:"url"`
	CoverImageURL string `json:"cover_image_url,omitempty"`
	LocalPath     string `json:"local_path"`
	Duration      int    `json:"duration,omitempty"`
	Size          string `json:"size,omitempty"`
	FPS           int    `json:"fps,omitempty"`

	// served forms of LocalPath, filled at read time and never persisted
	FileURL     string `json:"file_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	AbsoluteURL string `json:"absolute_url,omitempty"`
}

// Result is the canonical shape every adapter produces.
type Result struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	ModelType    string         `json:"model_type,omitempty"`
	Created      string         `json:"created"`
	Videos       []Video        `json:"videos"`
	Prompt       string         `json:"prompt,omitempty"`
	ActualPrompt string         `json:"actual_prompt,omitempty"`
	Resolution   string         `json:"resolution,omitempty"`
	Usage        map[string]any `json:"usage,omitempty"`
	Extra        Params         `json:"extra,omitempty"`
}

// Artifacts is the slice of the artifact resolver the adapters need.
type Artifacts interface {
	// Fetch downloads a remote file into managed temp storage, reusing a
	// cached copy when one is fresh.
	Fetch(ctx context.Context, url string) (string, error)

	// Download streams a remote file to dest. Returns "" on failure; a
	// missing local copy is not fatal to the generation itself.
	Download(ctx context.Context, url, dest string) string
}
