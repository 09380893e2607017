package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"time"

	"soundline/internal/api"
	"soundline/internal/domain"
)

// Payload is everything one upload carries.
type Payload struct {
	ParticipantID  string
	Daily          domain.DailyAnswers
	Initial        domain.InitialAnswers
	IncludeInitial bool
	Recordings     domain.Recordings
	Location       string
	CompletedAt    time.Time
}

// dailyEnvelope is the daily.json wire shape. The audio fields hold the
// multipart part names so the backend can pair answers with samples.
type dailyEnvelope struct {
	ParticipantID string `json:"participant_id"`
	Datetime      string `json:"datetime"`
	Symptoms      string `json:"symptoms"`
	Covid         string `json:"covid"`
	Hospital      string `json:"hospital"`
	Breathe       string `json:"breathe"`
	Cough         string `json:"cough"`
	Read          string `json:"read"`
	Location      string `json:"location"`
	Locale        string `json:"locale"`
	Device        string `json:"device"`
	Type          string `json:"type"`
}

// initialEnvelope is the initial.json wire shape.
type initialEnvelope struct {
	ParticipantID  string `json:"participant_id"`
	Datetime       string `json:"datetime"`
	Sex            string `json:"user_sex"`
	Age            string `json:"user_age"`
	MedicalHistory string `json:"medical_history"`
	Smoking        string `json:"smoking"`
	Locale         string `json:"locale"`
	Device         string `json:"device"`
	Type           string `json:"type"`
}

// Coordinator assembles the multipart body and drives the PUT.
type Coordinator struct {
	Client    *api.Client
	EntryType string
	Device    string
	Locale    string
	Log       *slog.Logger
}

func NewCoordinator(client *api.Client, entryType, device, locale string, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{Client: client, EntryType: entryType, Device: device, Locale: locale, Log: log}
}

func addFilePart(mw *multipart.Writer, partName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Ef(domain.KindStorage, "open recording %s: %v", path, err)
	}
	defer f.Close()
	part, err := mw.CreateFormFile(partName, partName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return domain.Ef(domain.KindStorage, "read recording %s: %v", path, err)
	}
	return nil
}

func addJSONPart(mw *multipart.Writer, partName string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", partName, err)
	}
	part, err := mw.CreateFormFile(partName, partName)
	if err != nil {
		return err
	}
	_, err = part.Write(raw)
	return err
}

// Build assembles the multipart body. daily.json is always present,
// initial.json only when requested, and the three audio parts are read
// from local recordings.
func (c *Coordinator) Build(p Payload) (contentType string, body *bytes.Buffer, err error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	datetime := domain.UnixString(p.CompletedAt)
	env := dailyEnvelope{
		ParticipantID: p.ParticipantID,
		Datetime:      datetime,
		Symptoms:      p.Daily.Symptoms,
		Covid:         p.Daily.Covid,
		Hospital:      p.Daily.Hospital,
		Breathe:       domain.AudioFormName(domain.BreatheFieldName),
		Cough:         domain.AudioFormName(domain.CoughFieldName),
		Read:          domain.AudioFormName(domain.ReadFieldName),
		Location:      p.Location,
		Locale:        c.Locale,
		Device:        c.Device,
		Type:          c.EntryType,
	}
	if err := addJSONPart(mw, domain.DailyJSONName, env); err != nil {
		return "", nil, err
	}
	if p.IncludeInitial {
		initial := initialEnvelope{
			ParticipantID:  p.ParticipantID,
			Datetime:       datetime,
			Sex:            p.Initial.Sex,
			Age:            p.Initial.Age,
			MedicalHistory: p.Initial.MedicalHistory,
			Smoking:        p.Initial.Smoking,
			Locale:         c.Locale,
			Device:         c.Device,
			Type:           c.EntryType,
		}
		if err := addJSONPart(mw, domain.InitialJSONName, initial); err != nil {
			return "", nil, err
		}
	}

	parts := []struct{ name, path string }{
		{domain.AudioFormName(domain.BreatheFieldName), p.Recordings.Breathe},
		{domain.AudioFormName(domain.CoughFieldName), p.Recordings.Cough},
		{domain.AudioFormName(domain.ReadFieldName), p.Recordings.Read},
	}
	for _, part := range parts {
		if err := addFilePart(mw, part.name, part.path); err != nil {
			return "", nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return "", nil, err
	}
	return mw.FormDataContentType(), buf, nil
}

// Upload builds and sends the payload. A reply the backend rejected is
// a received-data failure, a transport error is a network failure; both
// are recoverable, so the caller keeps the pending submission.
func (c *Coordinator) Upload(ctx context.Context, accessToken string, p Payload) (api.UploadReceipt, error) {
	contentType, body, err := c.Build(p)
	if err != nil {
		return api.UploadReceipt{}, err
	}
	size := body.Len()
	receipt, err := c.Client.UploadFiles(ctx, accessToken, contentType, body)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			return api.UploadReceipt{}, domain.E(domain.KindReceivedData, err)
		}
		var de *domain.Error
		if errors.As(err, &de) {
			return api.UploadReceipt{}, err
		}
		return api.UploadReceipt{}, domain.E(domain.KindNetwork, err)
	}
	c.Log.Info("upload completed", "bytes_sent", size, "initial_included", p.IncludeInitial)
	return receipt, nil
}
