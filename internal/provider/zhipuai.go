package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var zhipuDefaultModels = []string{
	"cogvideox-2",
	"cogvideox-flash",
	"viduq1-text",
	"viduq1-image",
	"viduq1-start-end",
	"vidu2-image",
	"vidu2-start-end",
	"vidu2-reference",
}

// Zhipu talks to the bigmodel.cn video generation API (cogvideox and vidu
// model families). Input images are public URLs; the API has no staging
// handshake of its own.
type Zhipu struct {
	APIKey  string
	BaseURL string
	Models  []string
	DataDir string
	Store   Artifacts

	Client       *http.Client
	CreateClient *http.Client
	Poller       Poller
	Log          zerolog.Logger

	now func() time.Time
}

type ZhipuOptions struct {
	APIKey       string
	Models       []string
	DataDir      string
	PollInterval time.Duration
	PollMaxTries int
}

func NewZhipu(opts ZhipuOptions, store Artifacts, log zerolog.Logger) *Zhipu {
	models := opts.Models
	if len(models) == 0 {
		models = zhipuDefaultModels
	}
	return &Zhipu{
		APIKey:       opts.APIKey,
		BaseURL:      "https://open.bigmodel.cn",
		Models:       models,
		DataDir:      opts.DataDir,
		Store:        store,
		Client:       &http.Client{Timeout: 30 * time.Second},
		CreateClient: &http.Client{Timeout: 120 * time.Second},
		Poller:       Poller{Interval: opts.PollInterval, MaxAttempts: opts.PollMaxTries},
		Log:          log,
		now:          time.Now,
	}
}

func (z *Zhipu) Name() string { return "zhipuai" }

func (z *Zhipu) SupportedModels() []string {
	return append([]string(nil), z.Models...)
}

func classifyZhipuModel(model string) ModelKind {
	switch {
	case strings.HasSuffix(model, "-image"):
		return KindImageToVideo
	case strings.HasSuffix(model, "-start-end"):
		return KindKeyframeToVideo
	case strings.HasSuffix(model, "-reference"):
		return KindReferenceToVideo
	default:
		// cogvideox-* and viduq1-text
		return KindTextToVideo
	}
}

func (z *Zhipu) Validate(model string, params Params) (Params, error) {
	models := z.SupportedModels()
	if !containsString(models, model) {
		return nil, validationf("model %q not supported, supported models: %s",
			model, strings.Join(models, ", "))
	}

	v := params.Clone()
	kind := classifyZhipuModel(model)
	v["model_type"] = string(kind)

	switch kind {
	case KindTextToVideo:
		if !v.Has("prompt") {
			return nil, validationf("parameter prompt is required for text-to-video models")
		}

	case KindImageToVideo:
		if !v.Has("image_url") && !v.Has("source_image") {
			return nil, validationf("parameter image_url is required for image-to-video models")
		}
		if src, ok := v["source_image"]; ok {
			if !v.Has("image_url") {
				v["image_url"] = src
			}
			delete(v, "source_image")
		}
		// single image as a string, or a non-empty list
		if list, ok := v.StringList("image_url"); ok && len(list) == 0 {
			return nil, validationf("image_url must not be an empty list")
		}

	case KindKeyframeToVideo:
		list, ok := v.StringList("image_url")
		if !ok || len(list) != 2 {
			return nil, validationf("image_url must be a list of exactly 2 images for start-end frame models")
		}

	case KindReferenceToVideo:
		list, ok := v.StringList("image_url")
		if !ok || len(list) == 0 {
			return nil, validationf("image_url must be a non-empty list of images for reference models")
		}
		if len(list) > 3 {
			return nil, validationf("image_url can contain at most 3 images for reference models")
		}
	}

	return v, nil
}

func (z *Zhipu) Call(ctx context.Context, model string, params Params) (*Result, error) {
	v, err := z.Validate(model, params)
	if err != nil {
		return nil, err
	}
	if z.APIKey == "" {
		return nil, errors.New("zhipuai: api key not configured")
	}

	body := buildZhipuBody(model, v)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		z.BaseURL+"/api/paas/v4/videos/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+z.APIKey)

	resp, err := z.CreateClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zhipuai: create task: %w", err)
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{
			Provider: "zhipuai",
			Message:  fmt.Sprintf("create returned status %d", resp.StatusCode),
			Payload:  string(raw),
		}
	}

	var created zhipuTaskStatus
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("zhipuai: decode create response: %w", err)
	}
	if created.ID == "" {
		return nil, &RemoteError{
			Provider: "zhipuai",
			Message:  "missing task id in create response",
			Payload:  string(raw),
		}
	}
	z.Log.Info().Str("task_id", created.ID).Str("model", model).Msg("created zhipuai task")

	var final zhipuTaskStatus
	err = z.Poller.Run(ctx, func(ctx context.Context) (bool, error) {
		st, err := z.fetchTask(ctx, created.ID)
		if err != nil {
			return false, err
		}
		switch st.TaskStatus {
		case "SUCCESS":
			final = st
			return true, nil
		case "FAIL":
			msg := st.Error.Message
			if msg == "" {
				msg = "unknown error"
			}
			return false, &RemoteError{Provider: "zhipuai", Message: "task failed: " + msg}
		case "PROCESSING":
			return false, nil
		default:
			z.Log.Warn().Str("task_id", created.ID).Str("status", st.TaskStatus).
				Msg("unknown task status, continuing to poll")
			return false, nil
		}
	})
	if errors.Is(err, errPollLimit) {
		return nil, &TimeoutError{Provider: "zhipuai", RemoteID: created.ID, Attempts: z.Poller.MaxAttempts}
	}
	if err != nil {
		return nil, err
	}

	return z.formatResult(ctx, final, model, v)
}

type zhipuTaskStatus struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	Model       string `json:"model"`
	TaskStatus  string `json:"task_status"`
	VideoResult []struct {
		URL           string `json:"url"`
		CoverImageURL string `json:"cover_image_url"`
	} `json:"video_result"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (z *Zhipu) fetchTask(ctx context.Context, taskID string) (zhipuTaskStatus, error) {
	var st zhipuTaskStatus

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		z.BaseURL+"/api/paas/v4/async-result/"+url.PathEscape(taskID), nil)
	if err != nil {
		return st, err
	}
	req.Header.Set("Authorization", "Bearer "+z.APIKey)

	resp, err := z.Client.Do(req)
	if err != nil {
		return st, fmt.Errorf("zhipuai: poll task %s: %w", taskID, err)
	}
	raw, err := readBody(resp)
	if err != nil {
		return st, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return st, &RemoteError{
			Provider: "zhipuai",
			Message:  fmt.Sprintf("poll returned status %d", resp.StatusCode),
			Payload:  string(raw),
		}
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("zhipuai: decode poll response: %w", err)
	}
	return st, nil
}

func (z *Zhipu) formatResult(ctx context.Context, st zhipuTaskStatus, model string, v Params) (*Result, error) {
	if len(st.VideoResult) == 0 {
		return nil, &RemoteError{Provider: "zhipuai", Message: "missing video results in response"}
	}

	dir := filepath.Join(z.DataDir, "videos", "zhipuai")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		z.Log.Error().Err(err).Str("dir", dir).Msg("create video dir failed")
	}

	id := st.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	resultModel := st.Model
	if resultModel == "" {
		resultModel = model
	}

	duration, _ := v.Int("duration")
	size, _ := v.String("size")
	fps, _ := v.Int("fps")

	videos := make([]Video, 0, len(st.VideoResult))
	for idx, item := range st.VideoResult {
		if item.URL == "" {
			z.Log.Warn().Int("index", idx).Msg("empty video url in result, skipping")
			continue
		}
		name := fmt.Sprintf("zhipuai_%s_%d_%s.mp4", z.now().Format("20060102_150405"), idx, shortID())
		local := z.Store.Download(ctx, item.URL, filepath.Join(dir, name))
		if local == "" {
			z.Log.Warn().Str("url", item.URL).Msg("video download failed, result keeps remote url only")
		}
		videos = append(videos, Video{
			Index:         idx,
			URL:           item.URL,
			CoverImageURL: item.CoverImageURL,
			LocalPath:     local,
			Duration:      duration,
			Size:          size,
			FPS:           fps,
		})
	}

	prompt, _ := v.String("prompt")
	extra := make(Params)
	for k, val := range v {
		switch k {
		case "prompt", "model_type":
			continue
		}
		extra[k] = val
	}

	return &Result{
		ID:        id,
		Model:     resultModel,
		ModelType: string(classifyZhipuModel(model)),
		Created:   z.now().Format("2006-01-02 15:04:05"),
		Videos:    videos,
		Prompt:    prompt,
		Extra:     extra,
	}, nil
}

// zhipuBodyKeys lists the optional request fields forwarded per model
// family, mirroring what each endpoint shape accepts.
var zhipuBodyKeys = map[ModelKind][]string{
	KindTextToVideo:      {"prompt", "style", "duration", "aspect_ratio", "size", "movement_amplitude"},
	KindImageToVideo:     {"image_url", "prompt", "duration", "size", "movement_amplitude", "with_audio"},
	KindKeyframeToVideo:  {"image_url", "prompt", "duration", "size", "movement_amplitude", "with_audio"},
	KindReferenceToVideo: {"image_url", "prompt", "duration", "aspect_ratio", "size", "movement_amplitude", "with_audio"},
}

var zhipuCogKeys = []string{"prompt", "quality", "with_audio", "image_url", "size", "fps"}

// buildZhipuBody maps a model to its flat request shape. The cogvideox
// family carries its own field set; vidu models share per-kind tables.
func buildZhipuBody(model string, v Params) map[string]any {
	body := map[string]any{"model": model}

	keys := zhipuBodyKeys[classifyZhipuModel(model)]
	if strings.HasPrefix(model, "cogvideox") {
		keys = zhipuCogKeys
	}
	for _, key := range keys {
		if val, ok := v[key]; ok {
			body[key] = val
		}
	}
	for _, key := range []string{"request_id", "user_id"} {
		if val, ok := v[key]; ok {
			body[key] = val
		}
	}
	return body
}
