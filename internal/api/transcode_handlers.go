package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"mediaforge/internal/models"
	"mediaforge/internal/orchestrator"
)

// maxUploadBytes bounds an inline media upload. The body is held in memory
// until it is signed and stored, so the cap stays well below available RAM;
// larger sources must be submitted by URL so workers stream them directly.
const maxUploadBytes = 256 << 20

type submitFields struct {
	MediaURL     string
	Profiles     []models.Profile
	Layout       models.OutputLayout
	Face         *models.FaceConfig
	CallbackURL  string
	CallbackAuth *models.CallbackAuth
	NotifyTopic  string
}

type submitJSONRequest struct {
	MediaURL     string              `json:"media_url"`
	Profiles     json.RawMessage     `json:"profiles"`
	Output       models.OutputLayout `json:"s3_output_config"`
	Face         *models.FaceConfig  `json:"face_detection_config,omitempty"`
	CallbackURL  string              `json:"callback_url,omitempty"`
	CallbackAuth *models.CallbackAuth `json:"callback_auth,omitempty"`
	NotifyTopic  string              `json:"pubsub_topic,omitempty"`
}

// Transcode accepts a submission, either multipart/form-data with an inline
// `video` file or a JSON body with a `media_url`.
func (h *Handler) Transcode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "multipart/form-data") {
		h.transcodeFromMultipart(w, r)
		return
	}
	h.transcodeFromJSON(w, r)
}

func (h *Handler) transcodeFromJSON(w http.ResponseWriter, r *http.Request) {
	var req submitJSONRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	fields := submitFields{
		MediaURL:     req.MediaURL,
		Layout:       req.Output,
		Face:         req.Face,
		CallbackURL:  req.CallbackURL,
		CallbackAuth: req.CallbackAuth,
		NotifyTopic:  req.NotifyTopic,
	}
	if len(req.Profiles) > 0 {
		profiles, err := models.ParseProfiles(req.Profiles)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse profiles: %w", err))
			return
		}
		fields.Profiles = profiles
	}
	h.submit(w, r, fields, nil, "", "")
}

func (h *Handler) transcodeFromMultipart(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}
	var fields submitFields
	var upload []byte
	uploadFilename := ""
	uploadContentType := ""
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		switch name {
		case "video":
			if upload != nil {
				_ = part.Close()
				writeError(w, http.StatusBadRequest, fmt.Errorf("only one video part is allowed"))
				return
			}
			data, err := readPart(part, maxUploadBytes)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			upload = data
			uploadFilename = part.FileName()
			uploadContentType = part.Header.Get("Content-Type")
		case "media_url":
			fields.MediaURL, err = readPartString(part)
		case "profiles":
			var raw []byte
			raw, err = readPart(part, 1<<20)
			if err == nil {
				fields.Profiles, err = models.ParseProfiles(raw)
			}
		case "s3_output_config":
			err = readPartJSON(part, &fields.Layout)
		case "face_detection_config":
			cfg := &models.FaceConfig{}
			if err = readPartJSON(part, cfg); err == nil {
				fields.Face = cfg
			}
		case "callback_url":
			fields.CallbackURL, err = readPartString(part)
		case "callback_auth":
			auth := &models.CallbackAuth{}
			if err = readPartJSON(part, auth); err == nil {
				fields.CallbackAuth = auth
			}
		case "pubsub_topic":
			fields.NotifyTopic, err = readPartString(part)
		default:
			_, err = io.Copy(io.Discard, part)
			_ = part.Close()
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read field %s: %w", name, err))
			return
		}
	}
	h.submit(w, r, fields, upload, uploadFilename, uploadContentType)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, fields submitFields, upload []byte, filename, contentType string) {
	req := orchestrator.SubmitRequest{
		SourceURL:         fields.MediaURL,
		Upload:            upload,
		UploadFilename:    filename,
		UploadContentType: contentType,
		Profiles:          fields.Profiles,
		Layout:            fields.Layout,
		Face:              fields.Face,
		NotifyTopic:       fields.NotifyTopic,
	}
	if strings.TrimSpace(fields.CallbackURL) != "" || fields.CallbackAuth != nil {
		req.Callback = &models.CallbackConfig{URL: fields.CallbackURL, Auth: fields.CallbackAuth}
	}
	resp, err := h.Admission.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func readPart(part *multipart.Part, limit int64) ([]byte, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("part exceeds %d bytes", limit)
	}
	return data, nil
}

func readPartString(part *multipart.Part) (string, error) {
	data, err := readPart(part, 64<<10)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readPartJSON(part *multipart.Part, dest interface{}) error {
	data, err := readPart(part, 1<<20)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
