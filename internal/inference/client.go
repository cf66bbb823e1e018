package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/config"
)

// Models used for the secondary endpoints. The primary intent model comes
// from configuration.
const (
	visionModel     = "meta-llama/llama-4-scout-17b-16e-instruct"
	transcribeModel = "whisper-large-v3"
)

const intentPrompt = `You are MedAssist, an aide for elderly medication adherence.
Parse the user's message into JSON with an "intent" field, one of:
add_medication, update_medication, remove_medication, log_intake,
query_schedule, add_appointment, cancel_appointment, log_health,
link_caregiver, sos, unknown.
Also fill, when present: "name", "dosage", "time" (HH:MM), "frequency"
(free text like "daily" or "every other day"), "duration_days" (integer),
"status" ("taken" or "missed"), "title", "datetime" (RFC 3339),
"type" and "value" for health readings.
Use "unknown" when unsure. Return only the JSON object.`

const dosagePrompt = `You check medication doses for obvious danger.
Given a medication name and dose, return JSON:
{"safe": bool, "warning": "one short sentence when unsafe"}.
When the dose is within common therapeutic ranges, or you do not
recognize the medication, return safe=true. Return only the JSON object.`

const prescriptionPrompt = `You read prescription labels from photos.
Extract every medication into a JSON object:
{"is_prescription": bool, "medications": [{"name": "...", "dosage": "...",
"time": "HH:MM", "frequency": "...", "duration_days": 0}]}.
Set is_prescription=false when the photo is not a prescription or label.
Leave fields you cannot read empty. Return only the JSON object.`

// Client calls an OpenAI-compatible API for intent parsing, dosage safety,
// prescription photos, and voice transcription. A circuit breaker stops
// hammering the API while it is down.
type Client struct {
	cfg     config.InferenceConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[string]
	logger  *zap.Logger
}

// NewClient creates an inference client.
func NewClient(cfg config.InferenceConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "inference",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger,
	}
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ParseIntent classifies one patient utterance.
func (c *Client) ParseIntent(ctx context.Context, text string) (Command, error) {
	content, err := c.complete(ctx, c.model(), []message{
		{Role: "system", Content: intentPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return Command{Kind: KindUnknown}, err
	}

	var cmd Command
	if err := json.Unmarshal([]byte(extractJSON(content)), &cmd); err != nil {
		c.logger.Warn("intent response was not valid JSON", zap.Error(err))
		return Command{Kind: KindUnknown}, nil
	}
	if cmd.Kind == "" {
		cmd.Kind = KindUnknown
	}
	return cmd, nil
}

// CheckDosage asks whether a proposed dose is obviously dangerous.
func (c *Client) CheckDosage(ctx context.Context, name, dosage string) (DosageVerdict, error) {
	content, err := c.complete(ctx, c.model(), []message{
		{Role: "system", Content: dosagePrompt},
		{Role: "user", Content: fmt.Sprintf("Medication: %s\nDose: %s", name, dosage)},
	})
	if err != nil {
		return DosageVerdict{}, err
	}

	var verdict DosageVerdict
	if err := json.Unmarshal([]byte(extractJSON(content)), &verdict); err != nil {
		return DosageVerdict{}, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return verdict, nil
}

// AnalyzePrescription extracts medications from a prescription photo.
func (c *Client) AnalyzePrescription(ctx context.Context, image []byte) ([]ProposedMedication, error) {
	encoded := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)

	content, err := c.complete(ctx, visionModel, []message{
		{Role: "user", Content: []contentPart{
			{Type: "text", Text: prescriptionPrompt},
			{Type: "image_url", ImageURL: &imageURL{URL: encoded}},
		}},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		IsPrescription *bool                `json:"is_prescription"`
		Medications    []ProposedMedication `json:"medications"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &result); err != nil {
		return nil, fmt.Errorf("failed to decode prescription: %w", err)
	}
	if result.IsPrescription != nil && !*result.IsPrescription {
		return nil, nil
	}
	return result.Medications, nil
}

// Transcribe converts a voice note to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return c.breaker.Execute(func() (string, error) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)

		part, err := w.CreateFormFile("file", "voice.ogg")
		if err != nil {
			return "", err
		}
		if _, err := part.Write(audio); err != nil {
			return "", err
		}
		if err := w.WriteField("model", transcribeModel); err != nil {
			return "", err
		}
		if err := w.Close(); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/audio/transcriptions", &body)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
		}

		var result struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("failed to decode transcription: %w", err)
		}
		return strings.TrimSpace(result.Text), nil
	})
}

func (c *Client) model() string {
	if c.cfg.Model != "" {
		return c.cfg.Model
	}
	return "llama-3.3-70b-versatile"
}

// complete sends a JSON-mode chat completion and returns the raw content.
func (c *Client) complete(ctx context.Context, model string, messages []message) (string, error) {
	return c.breaker.Execute(func() (string, error) {
		body, err := json.Marshal(chatRequest{
			Model:          model,
			Messages:       messages,
			MaxTokens:      c.cfg.MaxTokens,
			ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
		})
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
		}

		var result chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("failed to decode response: %w", err)
		}
		if len(result.Choices) == 0 {
			return "", fmt.Errorf("empty completion")
		}
		return result.Choices[0].Message.Content, nil
	})
}

// extractJSON tolerates models that wrap the object in prose or fences.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			return content[start : end+1]
		}
	}
	return content
}
