package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediaforge/internal/models"
	"mediaforge/internal/orchestrator"
)

const validProfilesJSON = `[{"id_profile":"p1","output_type":"video","video_config":{"width":1280,"height":720}}]`

const validLayoutJSON = `{"base_path":"renders","folder_structure":"{task_id}/{profile_id}"}`

func jsonSubmission(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/transcode", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestTranscodeMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Transcode(rec, httptest.NewRequest(http.MethodGet, "/transcode", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("allow = %q", allow)
	}
}

func TestTranscodeJSON(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Transcode(rec, jsonSubmission(`{
		"media_url": "https://cdn.example.com/clip.mp4",
		"profiles": `+validProfilesJSON+`,
		"s3_output_config": `+validLayoutJSON+`,
		"pubsub_topic": "events.done"
	}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var resp orchestrator.SubmitResponse
	decodeBody(t, rec, &resp)
	if resp.TaskID == "" || resp.Status != models.StatusProcessing {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.EffectiveProfiles) != 1 || resp.EffectiveProfiles[0] != "p1" {
		t.Fatalf("effective profiles = %v", resp.EffectiveProfiles)
	}
	if resp.FaceEnabled {
		t.Fatalf("face enabled without face_detection_config")
	}

	task, err := f.store.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.NotifyTopic != "events.done" {
		t.Fatalf("notify topic = %q", task.NotifyTopic)
	}
}

func TestTranscodeJSONValidation(t *testing.T) {
	f := newAPIFixture(t)
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"unknown field", `{"media_url": "https://cdn.example.com/a.mp4", "surprise": true}`},
		{"missing profiles", `{"media_url": "https://cdn.example.com/a.mp4", "s3_output_config": ` + validLayoutJSON + `}`},
		{"relative media url", `{"media_url": "clip.mp4", "profiles": ` + validProfilesJSON + `, "s3_output_config": ` + validLayoutJSON + `}`},
		{"layout missing placeholder", `{"media_url": "https://cdn.example.com/a.mp4", "profiles": ` + validProfilesJSON + `, "s3_output_config": {"base_path": "renders", "folder_structure": "static"}}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.Transcode(rec, jsonSubmission(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestTranscodeNoApplicableProfiles(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.Transcode(rec, jsonSubmission(`{
		"media_url": "https://cdn.example.com/clip.mp4",
		"profiles": [{"id_profile":"thumb","output_type":"image","input_type":"image","image_config":{"width":256}}],
		"s3_output_config": `+validLayoutJSON+`
	}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if !strings.Contains(body["error"], "no applicable profiles") {
		t.Fatalf("error = %q", body["error"])
	}
}

func multipartSubmission(t *testing.T, build func(w *multipart.Writer)) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	build(writer)
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/transcode", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestTranscodeMultipartUpload(t *testing.T) {
	f := newAPIFixture(t)
	req := multipartSubmission(t, func(w *multipart.Writer) {
		file, err := w.CreateFormFile("video", "clip.mp4")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := file.Write([]byte("not really mp4 bytes")); err != nil {
			t.Fatalf("write file part: %v", err)
		}
		_ = w.WriteField("profiles", validProfilesJSON)
		_ = w.WriteField("s3_output_config", validLayoutJSON)
		_ = w.WriteField("callback_url", "https://api.example.com/hooks/done")
	})

	rec := httptest.NewRecorder()
	f.handler.Transcode(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var resp orchestrator.SubmitResponse
	decodeBody(t, rec, &resp)

	task, err := f.store.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.SourceKey != "renders/"+resp.TaskID+"/source/clip.mp4" {
		t.Fatalf("source key = %q", task.SourceKey)
	}
	if task.DetectedMediaType != models.MediaVideo {
		t.Fatalf("detected = %s", task.DetectedMediaType)
	}
	if task.Callback == nil || task.Callback.URL != "https://api.example.com/hooks/done" {
		t.Fatalf("callback = %+v", task.Callback)
	}
	if ok, _ := f.blobs.Exists(context.Background(), task.SourceKey); !ok {
		t.Fatalf("upload was not stored")
	}
}

func TestTranscodeMultipartRejectsSecondVideo(t *testing.T) {
	f := newAPIFixture(t)
	req := multipartSubmission(t, func(w *multipart.Writer) {
		for i := 0; i < 2; i++ {
			file, err := w.CreateFormFile("video", "clip.mp4")
			if err != nil {
				t.Fatalf("create file part: %v", err)
			}
			_, _ = file.Write([]byte("bytes"))
		}
		_ = w.WriteField("profiles", validProfilesJSON)
		_ = w.WriteField("s3_output_config", validLayoutJSON)
	})

	rec := httptest.NewRecorder()
	f.handler.Transcode(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReadPartEnforcesLimit(t *testing.T) {
	nextPart := func(t *testing.T, payload []byte) *multipart.Part {
		t.Helper()
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		field, err := writer.CreateFormFile("video", "clip.mp4")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := field.Write(payload); err != nil {
			t.Fatalf("write file part: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("close multipart writer: %v", err)
		}
		part, err := multipart.NewReader(&buf, writer.Boundary()).NextPart()
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		return part
	}

	payload := bytes.Repeat([]byte("x"), 32)
	if _, err := readPart(nextPart(t, payload), 16); err == nil {
		t.Fatalf("part over the byte limit must be rejected")
	}
	data, err := readPart(nextPart(t, payload), 64)
	if err != nil {
		t.Fatalf("readPart: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("read %d bytes, want %d", len(data), len(payload))
	}
}

func TestTranscodeMultipartBadProfiles(t *testing.T) {
	f := newAPIFixture(t)
	req := multipartSubmission(t, func(w *multipart.Writer) {
		_ = w.WriteField("media_url", "https://cdn.example.com/clip.mp4")
		_ = w.WriteField("profiles", `[{"id_profile":"p1","output_type":"video","video_config":{"width":1280},"extra":1}]`)
		_ = w.WriteField("s3_output_config", validLayoutJSON)
	})

	rec := httptest.NewRecorder()
	f.handler.Transcode(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
