package services

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bobarin/reelworks/internal/models"
)

// ---------------------------------------------------------------------------
// Provider adapter contract
//
// Providers disagree on where a finished video lives in their payloads. Each
// candidate location is a pure extractor; the lists below are tried in order
// and the first non-empty hit wins. Supporting a new provider shape means
// appending an extractor, never adding a branch in the client.
//
// Priority: playable URI, then inline base64 bytes, then an operation handle.
// ---------------------------------------------------------------------------

// extractor reads one candidate field from a provider payload, "" when absent.
type extractor func(gjson.Result) string

func field(path string) extractor {
	return func(r gjson.Result) string {
		return strings.TrimSpace(r.Get(path).String())
	}
}

var videoURIExtractors = []extractor{
	// Vertex AI predictLongRunning / fetchPredictOperation
	field("response.videos.0.gcsUri"),
	field("response.videos.0.uri"),
	// genai SDK operation, marshalled
	field("response.generatedVideos.0.video.uri"),
	// Gemini REST
	field("response.generateVideoResponse.generatedSamples.0.video.uri"),
	// xAI-style deferred result
	field("video.url"),
	field("videoUri"),
}

var inlineVideoExtractors = []extractor{
	field("response.videos.0.bytesBase64Encoded"),
	field("response.generatedVideos.0.video.videoBytes"),
	field("response.generateVideoResponse.generatedSamples.0.video.bytesBase64Encoded"),
}

var mimeTypeExtractors = []extractor{
	field("response.videos.0.mimeType"),
	field("response.generatedVideos.0.video.mimeType"),
}

var durationExtractors = []extractor{
	field("response.videos.0.durationSeconds"),
	field("video.duration"),
}

var posterExtractors = []extractor{
	field("response.videos.0.posterUri"),
	field("video.thumbnail_url"),
}

var operationNameExtractors = []extractor{
	field("name"),
	field("operation.name"),
	field("operationName"),
	field("request_id"),
}

var operationStateExtractors = []extractor{
	field("metadata.state"),
	field("status"),
}

var operationFailureExtractors = []extractor{
	field("error.message"),
	field("response.raiMediaFilteredReasons.0"),
	field("response.generateVideoResponse.raiMediaFilteredReasons.0"),
}

func firstMatch(r gjson.Result, extractors []extractor) string {
	for _, extract := range extractors {
		if v := extract(r); v != "" {
			return v
		}
	}
	return ""
}

// Outcome is the closed set of shapes a provider payload normalizes into:
// ClipOutcome, OperationOutcome or UnrecognizedOutcome.
type Outcome interface {
	outcome()
}

// ClipOutcome carries a usable clip.
type ClipOutcome struct {
	Clip models.ClipDescriptor
}

// OperationOutcome carries a long-running operation handle and its progress.
type OperationOutcome struct {
	Name    string
	Done    bool
	State   string
	Failure string // non-empty when a finished operation reported an error
}

// UnrecognizedOutcome means none of the known fields were present.
type UnrecognizedOutcome struct {
	Body string
}

func (ClipOutcome) outcome()         {}
func (OperationOutcome) outcome()    {}
func (UnrecognizedOutcome) outcome() {}

// Normalize turns a raw provider payload into an Outcome. An unparseable body
// is an invalid_response error.
func Normalize(body []byte) (Outcome, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, &RenderError{
			Code:    CodeInvalidResponse,
			Body:    truncate(string(body), 2000),
			Message: "provider response is not valid JSON",
		}
	}
	root := gjson.ParseBytes(body)

	if uri := firstMatch(root, videoURIExtractors); uri != "" {
		clip := models.ClipDescriptor{
			ClipID:   "clip-" + shortHash([]byte(uri)),
			VideoURL: &uri,
		}
		decorateClip(root, &clip)
		return ClipOutcome{Clip: clip}, nil
	}

	if encoded := firstMatch(root, inlineVideoExtractors); encoded != "" {
		data, err := decodeBase64(encoded)
		if err != nil {
			return nil, &RenderError{
				Code:    CodeInvalidResponse,
				Message: "inline video bytes are not valid base64",
				Err:     err,
			}
		}
		clip := models.ClipDescriptor{
			ClipID:           "inline-" + shortHash(data),
			InlineVideoBytes: data,
		}
		decorateClip(root, &clip)
		return ClipOutcome{Clip: clip}, nil
	}

	name := firstMatch(root, operationNameExtractors)
	done := root.Get("done")
	if name != "" || done.Exists() {
		op := OperationOutcome{
			Name:  name,
			Done:  done.Bool(),
			State: firstMatch(root, operationStateExtractors),
		}
		if op.Done {
			op.Failure = firstMatch(root, operationFailureExtractors)
			if op.Failure == "" && root.Get("response.raiMediaFilteredCount").Int() > 0 {
				op.Failure = "video blocked by safety filters"
			}
		}
		return op, nil
	}

	return UnrecognizedOutcome{Body: truncate(string(body), 300)}, nil
}

func decorateClip(root gjson.Result, clip *models.ClipDescriptor) {
	clip.MIMEType = firstMatch(root, mimeTypeExtractors)
	if d := firstMatch(root, durationExtractors); d != "" {
		clip.DurationSeconds = gjson.Parse(d).Float()
	}
	if poster := firstMatch(root, posterExtractors); poster != "" {
		clip.PosterURL = &poster
	}
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// shortHash is a 12-character content token used to dedup clips.
func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}
