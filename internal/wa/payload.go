package wa

import (
	"context"
	"fmt"

	"github.com/hmartins/wagate/internal/transport"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// buildMessage assembles the wire message for a payload, uploading media
// content first when the kind requires it.
func (c *conn) buildMessage(ctx context.Context, p transport.SendPayload) (*waE2E.Message, error) {
	switch p.Kind {
	case transport.KindText:
		return &waE2E.Message{Conversation: proto.String(p.Text)}, nil

	case transport.KindImage, transport.KindVideo, transport.KindAudio,
		transport.KindSticker, transport.KindDocument:
		return c.buildMediaMessage(ctx, p)

	case transport.KindContact:
		return &waE2E.Message{
			ContactMessage: &waE2E.ContactMessage{
				DisplayName: proto.String(p.DisplayName),
				Vcard:       proto.String(p.VCard),
			},
		}, nil

	case transport.KindLocation:
		if p.Location == nil {
			return nil, fmt.Errorf("location payload missing coordinates")
		}
		return &waE2E.Message{
			LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude:  proto.Float64(p.Location.Latitude),
				DegreesLongitude: proto.Float64(p.Location.Longitude),
			},
		}, nil

	case transport.KindLiveLocation:
		if p.Location == nil || p.Live == nil {
			return nil, fmt.Errorf("live location payload missing coordinates")
		}
		return &waE2E.Message{
			LiveLocationMessage: &waE2E.LiveLocationMessage{
				DegreesLatitude:                   proto.Float64(p.Location.Latitude),
				DegreesLongitude:                  proto.Float64(p.Location.Longitude),
				AccuracyInMeters:                  proto.Uint32(uint32(p.Live.AccuracyMeters)),
				SpeedInMps:                        proto.Float32(p.Live.SpeedMps),
				DegreesClockwiseFromMagneticNorth: proto.Uint32(uint32(p.Live.DegreesNorth)),
				Caption:                           proto.String(p.Live.Caption),
				SequenceNumber:                    proto.Int64(p.Live.SequenceNumber),
				TimeOffset:                        proto.Uint32(uint32(p.Live.TimeOffset)),
			},
		}, nil

	case transport.KindPoll:
		if p.Poll == nil {
			return nil, fmt.Errorf("poll payload missing definition")
		}
		return c.client.BuildPollCreation(p.Poll.Name, p.Poll.Options, p.Poll.SelectableCount), nil

	default:
		return nil, fmt.Errorf("unsupported payload kind %q", p.Kind)
	}
}

// buildMediaMessage uploads the binary content and wraps the resulting media
// keys in the kind's message type.
func (c *conn) buildMediaMessage(ctx context.Context, p transport.SendPayload) (*waE2E.Message, error) {
	var mediaType whatsmeow.MediaType
	switch p.Kind {
	case transport.KindImage, transport.KindSticker:
		mediaType = whatsmeow.MediaImage
	case transport.KindVideo:
		mediaType = whatsmeow.MediaVideo
	case transport.KindAudio:
		mediaType = whatsmeow.MediaAudio
	case transport.KindDocument:
		mediaType = whatsmeow.MediaDocument
	}

	uploaded, err := c.client.Upload(ctx, p.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	length := proto.Uint64(uint64(len(p.Data)))

	switch p.Kind {
	case transport.KindImage:
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(p.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    length,
				Caption:       proto.String(p.Caption),
			},
		}, nil
	case transport.KindVideo:
		return &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(p.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    length,
				Caption:       proto.String(p.Caption),
			},
		}, nil
	case transport.KindAudio:
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(p.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    length,
				PTT:           proto.Bool(p.PTT),
			},
		}, nil
	case transport.KindSticker:
		return &waE2E.Message{
			StickerMessage: &waE2E.StickerMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(p.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    length,
			},
		}, nil
	default:
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(p.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    length,
				FileName:      proto.String(p.FileName),
				Caption:       proto.String(p.Caption),
			},
		}, nil
	}
}
