package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var aliyunDefaultModels = []string{
	"wanx2.1-t2v-turbo",
	"wanx2.1-t2v-plus",
	"wanx2.1-i2v-turbo",
	"wanx2.1-i2v-plus",
	"wanx2.1-kf2v-plus",
}

// dashscope accepts resolution tiers, not pixel sizes; every 720-class
// aspect ratio collapses to 720P and every 480-class one to 480P. The
// mapping is lossy on purpose: it matches what the provider understands.
var aliyunSizeToResolution = map[string]string{
	"1280*720": "720P",
	"720*1280": "720P",
	"960*960":  "720P",
	"832*1088": "720P",
	"1088*832": "720P",
	"832*480":  "480P",
	"480*832":  "480P",
	"624*624":  "480P",
}

// Aliyun talks to the dashscope video synthesis API (wanx models).
type Aliyun struct {
	APIKey  string
	BaseURL string
	// SynthesisURL overrides the create endpoint for every model kind.
	SynthesisURL string
	Models       []string
	DataDir      string
	Store        Artifacts
	// Client serves the short calls (policy fetch, polling); CreateClient
	// serves task creation and media uploads, which can take minutes.
	Client       *http.Client
	CreateClient *http.Client
	Poller       Poller
	Log          zerolog.Logger

	now func() time.Time
}

type AliyunOptions struct {
	APIKey       string
	APIURL       string
	Models       []string
	DataDir      string
	PollInterval time.Duration
	PollMaxTries int
}

func NewAliyun(opts AliyunOptions, store Artifacts, log zerolog.Logger) *Aliyun {
	models := opts.Models
	if len(models) == 0 {
		models = aliyunDefaultModels
	}
	return &Aliyun{
		APIKey:       opts.APIKey,
		BaseURL:      "https://dashscope.aliyuncs.com",
		SynthesisURL: opts.APIURL,
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

func (a *Aliyun) Name() string { return "aliyun" }

func (a *Aliyun) SupportedModels() []string {
	return append([]string(nil), a.Models...)
}

func classifyAliyunModel(model string) ModelKind {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "t2v"):
		return KindTextToVideo
	case strings.Contains(m, "i2v"):
		return KindImageToVideo
	case strings.Contains(m, "kf2v"), strings.Contains(m, "keyframe"):
		return KindKeyframeToVideo
	default:
		return KindTextToVideo
	}
}

func (a *Aliyun) Validate(model string, params Params) (Params, error) {
	models := a.SupportedModels()
	if !containsString(models, model) {
		return nil, validationf("model %q not supported, supported models: %s",
			model, strings.Join(models, ", "))
	}

	v := params.Clone()
	kind := classifyAliyunModel(model)
	v["model_type"] = string(kind)

	if !v.Has("prompt") && kind != KindKeyframeToVideo {
		return nil, validationf("missing required parameter: prompt")
	}

	if kind == KindImageToVideo {
		if !v.Has("img_url") && !v.Has("source_image") {
			return nil, validationf("image-to-video models require the img_url parameter")
		}
		// legacy alias; the canonical field name wins
		if src, ok := v["source_image"]; ok {
			if !v.Has("img_url") {
				v["img_url"] = src
			}
			delete(v, "source_image")
		}
	}

	if kind == KindKeyframeToVideo {
		if !v.Has("first_frame_url") {
			return nil, validationf("keyframe-to-video models require the first_frame_url parameter")
		}
		if !v.Has("last_frame_url") {
			return nil, validationf("keyframe-to-video models require the last_frame_url parameter")
		}
	}

	if !v.Has("duration") {
		v["duration"] = 5
	} else {
		d, ok := v.Int("duration")
		if !ok {
			return nil, validationf("parameter duration must be a number")
		}
		switch kind {
		case KindTextToVideo, KindImageToVideo:
			if d < 3 {
				d = 3
			}
			if d > 5 {
				d = 5
			}
			v["duration"] = d
		default:
			// keyframe models only render 5 second clips
			v["duration"] = 5
		}
	}

	if !v.Has("resolution") {
		res := "720P"
		if size, ok := v.String("size"); ok {
			if mapped, ok := aliyunSizeToResolution[size]; ok {
				res = mapped
			}
		}
		v["resolution"] = res
	}
	delete(v, "size")

	if !v.Has("prompt_extend") {
		v["prompt_extend"] = true
	}
	if !v.Has("seed") {
		v["seed"] = -1
	}

	return v, nil
}

// stagedParamKeys lists the fields that may reference externally hosted
// input media and must live in dashscope temporary storage before create.
func (a *Aliyun) stagedParamKeys(kind ModelKind) []string {
	switch kind {
	case KindImageToVideo:
		return []string{"img_url"}
	case KindKeyframeToVideo:
		return []string{"first_frame_url", "last_frame_url"}
	default:
		return nil
	}
}

func (a *Aliyun) Call(ctx context.Context, model string, params Params) (*Result, error) {
	v, err := a.Validate(model, params)
	if err != nil {
		return nil, err
	}
	if a.APIKey == "" {
		return nil, errors.New("aliyun: api key not configured")
	}

	kind := classifyAliyunModel(model)

	for _, key := range a.stagedParamKeys(kind) {
		raw, ok := v.String(key)
		if !ok || raw == "" {
			continue
		}
		staged, err := a.EnsureStaged(ctx, raw, model)
		if err != nil {
			return nil, err
		}
		if staged != raw {
			a.Log.Info().Str("param", key).Str("from", raw).Str("to", staged).
				Msg("input media staged to temporary storage")
		}
		v[key] = staged
	}

	body := buildAliyunBody(kind, model, v)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.createURL(kind), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("X-DashScope-Async", "enable")
	// required so oss:// references from temporary storage resolve
	req.Header.Set("X-DashScope-OssResourceResolve", "enable")

	resp, err := a.CreateClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aliyun: create task: %w", err)
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{
			Provider: "aliyun",
			Message:  fmt.Sprintf("create returned status %d", resp.StatusCode),
			Payload:  string(raw),
		}
	}

	var created aliyunTaskStatus
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("aliyun: decode create response: %w", err)
	}
	taskID := created.Output.TaskID
	if taskID == "" {
		return nil, &RemoteError{
			Provider: "aliyun",
			Message:  "missing task_id in create response",
			Payload:  string(raw),
		}
	}
	a.Log.Info().Str("task_id", taskID).Str("model", model).Msg("created aliyun task")

	var final aliyunTaskStatus
	var finalRaw []byte
	err = a.Poller.Run(ctx, func(ctx context.Context) (bool, error) {
		st, body, err := a.fetchTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		switch st.Output.TaskStatus {
		case "SUCCEEDED", "COMPLETE", "SUCCESS":
			final = st
			finalRaw = body
			return true, nil
		case "FAILED", "CANCELLED", "ERROR":
			code := st.Output.Code
			if code == "" {
				code = "unknown error code"
			}
			msg := st.Output.Message
			if msg == "" {
				msg = "unknown error"
			}
			return false, &RemoteError{
				Provider: "aliyun",
				Message:  fmt.Sprintf("task failed: %s - %s", code, msg),
			}
		default:
			return false, nil
		}
	})
	if errors.Is(err, errPollLimit) {
		return nil, &TimeoutError{Provider: "aliyun", RemoteID: taskID, Attempts: a.Poller.MaxAttempts}
	}
	if err != nil {
		return nil, err
	}

	return a.formatResult(ctx, final, finalRaw, model, v)
}

func (a *Aliyun) createURL(kind ModelKind) string {
	if a.SynthesisURL != "" {
		return a.SynthesisURL
	}
	if kind == KindKeyframeToVideo {
		return a.BaseURL + "/api/v1/services/aigc/image2video/video-synthesis"
	}
	return a.BaseURL + "/api/v1/services/aigc/video-generation/video-synthesis"
}

type aliyunTaskStatus struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID       string `json:"task_id"`
		TaskStatus   string `json:"task_status"`
		VideoURL     string `json:"video_url"`
		OrigPrompt   string `json:"orig_prompt"`
		ActualPrompt string `json:"actual_prompt"`
		Code         string `json:"code"`
		Message      string `json:"message"`
	} `json:"output"`
	Usage map[string]any `json:"usage"`
}

func (a *Aliyun) fetchTask(ctx context.Context, taskID string) (aliyunTaskStatus, []byte, error) {
	var st aliyunTaskStatus

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.BaseURL+"/api/v1/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return st, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.Client.Do(req)
	if err != nil {
		return st, nil, fmt.Errorf("aliyun: poll task %s: %w", taskID, err)
	}
	raw, err := readBody(resp)
	if err != nil {
		return st, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return st, nil, &RemoteError{
			Provider: "aliyun",
			Message:  fmt.Sprintf("poll returned status %d", resp.StatusCode),
			Payload:  string(raw),
		}
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, nil, fmt.Errorf("aliyun: decode poll response: %w", err)
	}
	return st, raw, nil
}

func (a *Aliyun) formatResult(ctx context.Context, st aliyunTaskStatus, raw []byte, model string, v Params) (*Result, error) {
	videoURL := st.Output.VideoURL
	if videoURL == "" {
		return nil, &RemoteError{
			Provider: "aliyun",
			Message:  "missing video url in response",
			Payload:  string(raw),
		}
	}

	dir := filepath.Join(a.DataDir, "videos", "aliyun")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.Log.Error().Err(err).Str("dir", dir).Msg("create video dir failed")
	}
	name := fmt.Sprintf("aliyun_%s_0_%s.mp4", a.now().Format("20060102_150405"), shortID())
	local := a.Store.Download(ctx, videoURL, filepath.Join(dir, name))
	if local == "" {
		a.Log.Warn().Str("url", videoURL).Msg("video download failed, result keeps remote url only")
	}

	id := st.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	duration, _ := v.Int("duration")
	prompt, _ := v.String("prompt")
	if st.Output.OrigPrompt != "" {
		prompt = st.Output.OrigPrompt
	}
	resolution, _ := v.String("resolution")

	return &Result{
		ID:        id,
		Model:     model,
		ModelType: string(classifyAliyunModel(model)),
		Created:   a.now().Format("2006-01-02 15:04:05"),
		Videos: []Video{{
			Index:     0,
			URL:       videoURL,
			LocalPath: local,
			Duration:  duration,
		}},
		Prompt:       prompt,
		ActualPrompt: st.Output.ActualPrompt,
		Resolution:   resolution,
		Usage:        st.Usage,
	}, nil
}

// EnsureStaged returns a dashscope temporary storage reference for fileURL.
// References already inside the oss:// namespace pass through unchanged.
func (a *Aliyun) EnsureStaged(ctx context.Context, fileURL, model string) (string, error) {
	if strings.HasPrefix(fileURL, "oss://") {
		return fileURL, nil
	}
	ref, err := a.uploadTemporary(ctx, fileURL, model)
	if err != nil {
		return "", &StagingError{URL: fileURL, Err: err}
	}
	return ref, nil
}

type aliyunUploadPolicy struct {
	UploadDir           string `json:"upload_dir"`
	UploadHost          string `json:"upload_host"`
	OSSAccessKeyID      string `json:"oss_access_key_id"`
	Signature           string `json:"signature"`
	Policy              string `json:"policy"`
	XOSSObjectACL       string `json:"x_oss_object_acl"`
	XOSSForbidOverwrite string `json:"x_oss_forbid_overwrite"`
}

// uploadTemporary performs the dashscope staging handshake: fetch an upload
// policy, pull the source bytes into managed temp storage, then multipart
// POST them to the issued OSS host. Uploads expire provider-side after 48h.
func (a *Aliyun) uploadTemporary(ctx context.Context, fileURL, model string) (string, error) {
	if a.APIKey == "" {
		return "", errors.New("aliyun: api key not configured")
	}

	policyURL := a.BaseURL + "/api/v1/uploads?action=getPolicy&model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, policyURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch upload policy: %w", err)
	}
	raw, err := readBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload policy returned status %d: %s", resp.StatusCode, raw)
	}
	var decoded struct {
		Data aliyunUploadPolicy `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode upload policy: %w", err)
	}
	policy := decoded.Data
	if policy.UploadHost == "" {
		return "", fmt.Errorf("upload policy missing upload_host: %s", raw)
	}

	local, err := a.Store.Fetch(ctx, fileURL)
	if err != nil {
		return "", err
	}

	key := policy.UploadDir + "/" + filepath.Base(local)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := []struct{ name, value string }{
		{"OSSAccessKeyId", policy.OSSAccessKeyID},
		{"Signature", policy.Signature},
		{"policy", policy.Policy},
		{"x-oss-object-acl", policy.XOSSObjectACL},
		{"x-oss-forbid-overwrite", policy.XOSSForbidOverwrite},
		{"key", key},
		{"success_action_status", "200"},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return "", err
		}
	}
	// OSS requires the file part last
	part, err := w.CreateFormFile("file", filepath.Base(local))
	if err != nil {
		return "", err
	}
	src, err := os.Open(local)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, src); err != nil {
		src.Close()
		return "", err
	}
	src.Close()
	if err := w.Close(); err != nil {
		return "", err
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, policy.UploadHost, &buf)
	if err != nil {
		return "", err
	}
	upReq.Header.Set("Content-Type", w.FormDataContentType())

	upResp, err := a.CreateClient.Do(upReq)
	if err != nil {
		return "", fmt.Errorf("upload to oss: %w", err)
	}
	upRaw, err := readBody(upResp)
	if err != nil {
		return "", err
	}
	if upResp.StatusCode < 200 || upResp.StatusCode >= 300 {
		return "", fmt.Errorf("oss upload returned status %d: %s", upResp.StatusCode, upRaw)
	}

	return "oss://" + key, nil
}

// buildAliyunBody maps a model kind to the dashscope request shape. One
// table, no side effects, so the mapping stays auditable and testable.
func buildAliyunBody(kind ModelKind, model string, v Params) map[string]any {
	input := map[string]any{}
	parameters := map[string]any{}

	switch kind {
	case KindImageToVideo:
		if prompt, ok := v["prompt"]; ok {
			input["prompt"] = prompt
		} else {
			input["prompt"] = ""
		}
		input["img_url"] = v["img_url"]
	case KindKeyframeToVideo:
		if prompt, ok := v["prompt"]; ok {
			input["prompt"] = prompt
		}
		input["first_frame_url"] = v["first_frame_url"]
		input["last_frame_url"] = v["last_frame_url"]
		input["function"] = "image_reference"
	default: // text to video
		input["prompt"] = v["prompt"]
		if np, ok := v["negative_prompt"]; ok {
			input["negative_prompt"] = np
		}
	}

	if res, ok := v["resolution"]; ok {
		parameters["resolution"] = res
	}
	if d, ok := v.Int("duration"); ok {
		parameters["duration"] = d
	}
	if pe, ok := v.Bool("prompt_extend"); ok {
		parameters["prompt_extend"] = pe
	}
	if seed, ok := v.Int("seed"); ok && seed > 0 {
		parameters["seed"] = seed
	}
	if kind == KindKeyframeToVideo {
		if ob, ok := v["obj_or_bg"]; ok {
			parameters["obj_or_bg"] = ob
		}
	}

	return map[string]any{"model": model, "input": input, "parameters": parameters}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
}
