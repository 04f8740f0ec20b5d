package wa

import (
	"github.com/hmartins/wagate/internal/transport"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// parseMessage normalizes a live whatsmeow message event. The raw protobuf
// rides along as MediaRef so media content can be downloaded later.
func parseMessage(evt *events.Message) *transport.InboundMessage {
	msg := evt.Message
	out := &transport.InboundMessage{
		ID:       evt.Info.ID,
		ChatJID:  evt.Info.Chat.String(),
		Sender:   evt.Info.Sender.ToNonAD().String(),
		PushName: evt.Info.PushName,
		Kind:     detectKind(msg),
	}

	switch out.Kind {
	case transport.KindText:
		out.Text = extractText(msg)

	case transport.KindImage:
		img := msg.GetImageMessage()
		out.Caption = img.GetCaption()
		out.MimeType = img.GetMimetype()
		out.MediaRef = msg

	case transport.KindVideo:
		vid := msg.GetVideoMessage()
		out.Caption = vid.GetCaption()
		out.MimeType = vid.GetMimetype()
		out.MediaRef = msg

	case transport.KindAudio:
		aud := msg.GetAudioMessage()
		out.MimeType = aud.GetMimetype()
		out.PTT = aud.GetPTT()
		out.MediaRef = msg

	case transport.KindSticker:
		out.MimeType = msg.GetStickerMessage().GetMimetype()
		out.MediaRef = msg

	case transport.KindDocument:
		doc := msg.GetDocumentMessage()
		out.Caption = doc.GetCaption()
		out.MimeType = doc.GetMimetype()
		out.FileName = doc.GetFileName()
		out.MediaRef = msg

	case transport.KindContact:
		contact := msg.GetContactMessage()
		out.Text = contact.GetDisplayName()
		out.VCard = contact.GetVcard()

	case transport.KindLocation:
		loc := msg.GetLocationMessage()
		out.Latitude = loc.GetDegreesLatitude()
		out.Longitude = loc.GetDegreesLongitude()

	case transport.KindLiveLocation:
		live := msg.GetLiveLocationMessage()
		out.Latitude = live.GetDegreesLatitude()
		out.Longitude = live.GetDegreesLongitude()
		out.Live = &transport.LiveLocation{
			AccuracyMeters: int32(live.GetAccuracyInMeters()),
			SpeedMps:       live.GetSpeedInMps(),
			DegreesNorth:   int32(live.GetDegreesClockwiseFromMagneticNorth()),
			Caption:        live.GetCaption(),
			SequenceNumber: live.GetSequenceNumber(),
			TimeOffset:     int32(live.GetTimeOffset()),
		}
	}

	return out
}

func detectKind(msg *waE2E.Message) transport.MessageKind {
	if msg == nil {
		return transport.KindUnknown
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return transport.KindText
	case msg.GetImageMessage() != nil:
		return transport.KindImage
	case msg.GetVideoMessage() != nil:
		return transport.KindVideo
	case msg.GetAudioMessage() != nil:
		return transport.KindAudio
	case msg.GetStickerMessage() != nil:
		return transport.KindSticker
	case msg.GetDocumentMessage() != nil:
		return transport.KindDocument
	case msg.GetContactMessage() != nil:
		return transport.KindContact
	case msg.GetLocationMessage() != nil:
		return transport.KindLocation
	case msg.GetLiveLocationMessage() != nil:
		return transport.KindLiveLocation
	case msg.GetPollCreationMessage() != nil ||
		msg.GetPollCreationMessageV2() != nil ||
		msg.GetPollCreationMessageV3() != nil:
		return transport.KindPoll
	default:
		return transport.KindUnknown
	}
}

func extractText(msg *waE2E.Message) string {
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}
