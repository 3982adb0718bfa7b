package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-test Artifacts implementation backed by a temp dir.
type fakeStore struct {
	dir       string
	fetched   []string
	failingOn string
}

func (f *fakeStore) Fetch(ctx context.Context, url string) (string, error) {
	f.fetched = append(f.fetched, url)
	path := filepath.Join(f.dir, "staged_input.png")
	if err := os.WriteFile(path, []byte("image-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeStore) Download(ctx context.Context, url, dest string) string {
	if url == f.failingOn {
		return ""
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ""
	}
	if err := os.WriteFile(dest, []byte("video-bytes"), 0o644); err != nil {
		return ""
	}
	return dest
}

func newTestAliyun(t *testing.T, baseURL string) (*Aliyun, *fakeStore) {
	t.Helper()
	store := &fakeStore{dir: t.TempDir()}
	a := NewAliyun(AliyunOptions{
		APIKey:       "test-key",
		DataDir:      t.TempDir(),
		PollInterval: time.Millisecond,
		PollMaxTries: 5,
	}, store, zerolog.Nop())
	a.Poller.Sleep = noSleep
	if baseURL != "" {
		a.BaseURL = baseURL
	}
	return a, store
}

func TestAliyunValidateRejectsUnknownModel(t *testing.T) {
	a, _ := newTestAliyun(t, "")

	_, err := a.Validate("sora-9000", Params{"prompt": "a cat"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "not supported")
}

func TestAliyunValidateRequiresPrompt(t *testing.T) {
	a, _ := newTestAliyun(t, "")

	_, err := a.Validate("wanx2.1-t2v-turbo", Params{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "prompt")

	// keyframe models may run without a prompt
	v, err := a.Validate("wanx2.1-kf2v-plus", Params{
		"first_frame_url": "https://img/a.png",
		"last_frame_url":  "https://img/b.png",
	})
	require.NoError(t, err)
	assert.Equal(t, string(KindKeyframeToVideo), v["model_type"])
}

func TestAliyunValidateDurationClamping(t *testing.T) {
	a, _ := newTestAliyun(t, "")

	cases := map[int]int{1: 3, 3: 3, 5: 5, 9: 5}
	for in, want := range cases {
		v, err := a.Validate("wanx2.1-t2v-turbo", Params{"prompt": "p", "duration": in})
		require.NoError(t, err)
		got, _ := v.Int("duration")
		assert.Equal(t, want, got, "duration %d", in)
	}

	// keyframe clips are fixed length
	v, err := a.Validate("wanx2.1-kf2v-plus", Params{
		"first_frame_url": "https://img/a.png",
		"last_frame_url":  "https://img/b.png",
		"duration":        9,
	})
	require.NoError(t, err)
	got, _ := v.Int("duration")
	assert.Equal(t, 5, got)
}

func TestAliyunValidateSourceImageAlias(t *testing.T) {
	a, _ := newTestAliyun(t, "")

	v, err := a.Validate("wanx2.1-i2v-turbo", Params{
		"prompt":       "p",
		"source_image": "https://img/x.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://img/x.png", v["img_url"])
	assert.False(t, v.Has("source_image"))

	// canonical field wins over the alias
	v, err = a.Validate("wanx2.1-i2v-turbo", Params{
		"prompt":       "p",
		"img_url":      "https://img/a.png",
		"source_image": "https://img/b.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://img/a.png", v["img_url"])
	assert.False(t, v.Has("source_image"))
}

func TestAliyunValidateSizeToResolution(t *testing.T) {
	a, _ := newTestAliyun(t, "")

	cases := map[string]string{
		"1280*720": "720P",
		"720*1280": "720P",
		"960*960":  "720P",
		"832*1088": "720P",
		"1088*832": "720P",
		"832*480":  "480P",
		"480*832":  "480P",
		"624*624":  "480P",
		"123*456":  "720P",
	}
	for size, want := range cases {
		v, err := a.Validate("wanx2.1-t2v-turbo", Params{"prompt": "p", "size": size})
		require.NoError(t, err)
		assert.Equal(t, want, v["resolution"], "size %s", size)
		assert.False(t, v.Has("size"), "size key must not survive validation")
	}

	// explicit resolution beats the size mapping
	v, err := a.Validate("wanx2.1-t2v-turbo", Params{"prompt": "p", "size": "832*480", "resolution": "720P"})
	require.NoError(t, err)
	assert.Equal(t, "720P", v["resolution"])
	assert.False(t, v.Has("size"))
}

func TestAliyunValidateDefaultsAndIdempotency(t *testing.T) {
	a, _ := newTestAliyun(t, "")

	v, err := a.Validate("wanx2.1-t2v-turbo", Params{"prompt": "p"})
	require.NoError(t, err)
	d, _ := v.Int("duration")
	assert.Equal(t, 5, d)
	assert.Equal(t, "720P", v["resolution"])
	assert.Equal(t, true, v["prompt_extend"])
	seed, _ := v.Int("seed")
	assert.Equal(t, -1, seed)

	again, err := a.Validate("wanx2.1-t2v-turbo", v)
	require.NoError(t, err)
	assert.Equal(t, v, again)
}

func TestAliyunEnsureStagedPassesThroughOSSRefs(t *testing.T) {
	a, store := newTestAliyun(t, "")

	got, err := a.EnsureStaged(context.Background(), "oss://bucket/key.png", "wanx2.1-i2v-turbo")
	require.NoError(t, err)
	assert.Equal(t, "oss://bucket/key.png", got)
	assert.Empty(t, store.fetched)
}

func TestAliyunCallTextToVideoSuccess(t *testing.T) {
	var createBody map[string]any
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/services/aigc/video-generation/video-synthesis", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "enable", r.Header.Get("X-DashScope-Async"))
		require.Equal(t, "enable", r.Header.Get("X-DashScope-OssResourceResolve"))
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req-1",
			"output":     map[string]any{"task_id": "task-1", "task_status": "PENDING"},
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "RUNNING"
		out := map[string]any{"task_id": "task-1", "task_status": status}
		if polls >= 2 {
			out["task_status"] = "SUCCEEDED"
			out["video_url"] = "https://cdn.example/task-1.mp4"
			out["orig_prompt"] = "a cat on a roof"
			out["actual_prompt"] = "a fluffy cat sitting on a tiled roof"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req-1",
			"output":     out,
			"usage":      map[string]any{"video_count": float64(1)},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, _ := newTestAliyun(t, srv.URL)

	res, err := a.Call(context.Background(), "wanx2.1-t2v-turbo", Params{"prompt": "a cat on a roof", "duration": 9})
	require.NoError(t, err)

	input := createBody["input"].(map[string]any)
	assert.Equal(t, "a cat on a roof", input["prompt"])
	parameters := createBody["parameters"].(map[string]any)
	assert.Equal(t, float64(5), parameters["duration"])
	assert.Equal(t, "720P", parameters["resolution"])
	assert.NotContains(t, parameters, "seed")

	assert.Equal(t, "req-1", res.ID)
	assert.Equal(t, "wanx2.1-t2v-turbo", res.Model)
	assert.Equal(t, string(KindTextToVideo), res.ModelType)
	require.Len(t, res.Videos, 1)
	assert.Equal(t, "https://cdn.example/task-1.mp4", res.Videos[0].URL)
	assert.NotEmpty(t, res.Videos[0].LocalPath)
	assert.Equal(t, "a cat on a roof", res.Prompt)
	assert.Equal(t, "a fluffy cat sitting on a tiled roof", res.ActualPrompt)
	assert.Equal(t, "720P", res.Resolution)
	assert.Equal(t, float64(1), res.Usage["video_count"])
}

func TestAliyunCallStagesInputImages(t *testing.T) {
	var createBody map[string]any

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "getPolicy", r.URL.Query().Get("action"))
		require.Equal(t, "wanx2.1-i2v-turbo", r.URL.Query().Get("model"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"upload_dir":             "tmp/dir",
				"upload_host":            srv.URL + "/oss",
				"oss_access_key_id":      "ak",
				"signature":              "sig",
				"policy":                 "pol",
				"x_oss_object_acl":       "private",
				"x_oss_forbid_overwrite": "true",
			},
		})
	})
	mux.HandleFunc("/oss", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ak", r.FormValue("OSSAccessKeyId"))
		assert.Equal(t, "200", r.FormValue("success_action_status"))
		assert.Equal(t, "tmp/dir/staged_input.png", r.FormValue("key"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/services/aigc/video-generation/video-synthesis", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"task_id": "task-2"},
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req-2",
			"output": map[string]any{
				"task_id":     "task-2",
				"task_status": "SUCCEEDED",
				"video_url":   "https://cdn.example/task-2.mp4",
			},
		})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	a, store := newTestAliyun(t, srv.URL)

	_, err := a.Call(context.Background(), "wanx2.1-i2v-turbo", Params{
		"prompt":  "animate this",
		"img_url": "https://img.example/cat.png",
	})
	require.NoError(t, err)

	require.Len(t, store.fetched, 1)
	assert.Equal(t, "https://img.example/cat.png", store.fetched[0])

	input := createBody["input"].(map[string]any)
	assert.Equal(t, "oss://tmp/dir/staged_input.png", input["img_url"])
}

func TestAliyunCallRemoteFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/services/aigc/video-generation/video-synthesis", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"task_id": "task-3"},
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"task_id":     "task-3",
				"task_status": "FAILED",
				"code":        "InvalidParameter",
				"message":     "bad prompt",
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, _ := newTestAliyun(t, srv.URL)

	_, err := a.Call(context.Background(), "wanx2.1-t2v-turbo", Params{"prompt": "p"})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "InvalidParameter")
	assert.Contains(t, re.Message, "bad prompt")
}

func TestAliyunCallPollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/services/aigc/video-generation/video-synthesis", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"task_id": "task-4"},
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-4", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"task_id": "task-4", "task_status": "RUNNING"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, _ := newTestAliyun(t, srv.URL)
	a.Poller.MaxAttempts = 3

	_, err := a.Call(context.Background(), "wanx2.1-t2v-turbo", Params{"prompt": "p"})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "task-4", te.RemoteID)
	assert.Equal(t, 3, te.Attempts)
}

func TestBuildAliyunBodyShapes(t *testing.T) {
	v := Params{
		"prompt":        "p",
		"duration":      5,
		"resolution":    "720P",
		"prompt_extend": true,
		"seed":          -1,
	}
	body := buildAliyunBody(KindTextToVideo, "wanx2.1-t2v-turbo", v)
	parameters := body["parameters"].(map[string]any)
	assert.NotContains(t, parameters, "seed", "non-positive seed is not forwarded")

	v["seed"] = 42
	body = buildAliyunBody(KindTextToVideo, "wanx2.1-t2v-turbo", v)
	parameters = body["parameters"].(map[string]any)
	assert.Equal(t, 42, parameters["seed"])

	kf := Params{
		"first_frame_url": "oss://a",
		"last_frame_url":  "oss://b",
		"duration":        5,
	}
	body = buildAliyunBody(KindKeyframeToVideo, "wanx2.1-kf2v-plus", kf)
	input := body["input"].(map[string]any)
	assert.Equal(t, "image_reference", input["function"])
	assert.Equal(t, "oss://a", input["first_frame_url"])
	assert.Equal(t, "oss://b", input["last_frame_url"])
	assert.NotContains(t, input, "prompt")
}
