package message

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hmartins/wagate/internal/transport"
)

// Message types accepted by the send API.
const (
	TypeText  = "text"
	TypeMedia = "media"
	TypePoll  = "poll"
)

// Content is the typed message body. The fields relevant to the message
// type are set; the same JSON shape is persisted for scheduled messages.
type Content struct {
	Text    string `json:"text,omitempty"`
	Media   *Media `json:"media,omitempty"`
	Caption string `json:"caption,omitempty"`
	Poll    *Poll  `json:"poll,omitempty"`
}

// Media carries binary content either inline (base64) or by URL.
type Media struct {
	URL      string `json:"url,omitempty"`
	Buffer   string `json:"buffer,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Poll describes a poll to create.
type Poll struct {
	Name                   string   `json:"name"`
	Options                []string `json:"options"`
	SelectableOptionsCount int      `json:"selectableOptionsCount"`
}

var mediaClient = &http.Client{Timeout: 30 * time.Second}

// BuildPayload converts a typed content body into a transport payload,
// fetching or decoding media bytes when the type requires them.
func BuildPayload(ctx context.Context, msgType string, content Content) (transport.SendPayload, error) {
	switch msgType {
	case TypeText:
		return transport.SendPayload{Kind: transport.KindText, Text: content.Text}, nil

	case TypeMedia:
		return buildMediaPayload(ctx, content)

	case TypePoll:
		if content.Poll == nil {
			return transport.SendPayload{}, errors.New("poll data is required for poll messages")
		}
		return transport.SendPayload{
			Kind: transport.KindPoll,
			Poll: &transport.Poll{
				Name:            content.Poll.Name,
				Options:         content.Poll.Options,
				SelectableCount: content.Poll.SelectableOptionsCount,
			},
		}, nil

	default:
		return transport.SendPayload{}, fmt.Errorf("unsupported message type %q", msgType)
	}
}

func buildMediaPayload(ctx context.Context, content Content) (transport.SendPayload, error) {
	m := content.Media
	if m == nil {
		return transport.SendPayload{}, errors.New("media object is missing in the content")
	}

	var data []byte
	name := m.FileName
	switch {
	case m.Buffer != "":
		decoded, err := base64.StdEncoding.DecodeString(m.Buffer)
		if err != nil {
			return transport.SendPayload{}, fmt.Errorf("decode media buffer: %w", err)
		}
		data = decoded
	case m.URL != "":
		fetched, err := fetchMedia(ctx, m.URL)
		if err != nil {
			return transport.SendPayload{}, err
		}
		data = fetched
		if name == "" {
			name = path.Base(m.URL)
		}
	default:
		return transport.SendPayload{}, errors.New("media URL or buffer is required for media messages")
	}

	kind := mediaKind(name)
	return transport.SendPayload{
		Kind:     kind,
		Data:     data,
		Caption:  content.Caption,
		MimeType: mimeType(name),
		FileName: name,
	}, nil
}

func fetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	resp, err := mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	return data, nil
}

// mediaKind infers the payload kind from the file extension, defaulting to
// document for anything unrecognized.
func mediaKind(filename string) transport.MessageKind {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return transport.KindImage
	case ".mp4", ".avi", ".mov":
		return transport.KindVideo
	case ".mp3", ".wav", ".ogg":
		return transport.KindAudio
	default:
		return transport.KindDocument
	}
}

func mimeType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
