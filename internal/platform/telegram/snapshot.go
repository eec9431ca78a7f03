package telegram

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/autoforwardx/autoforwardx/internal/filters"
	"github.com/autoforwardx/autoforwardx/internal/platform"
)

// snapshotOf extracts the queue payload from an inbound message.
func snapshotOf(kind platform.EventKind, m *tg.Message) platform.Snapshot {
	snap := platform.Snapshot{
		Kind:      kind,
		Text:      m.Message,
		GroupedID: m.GroupedID,
	}
	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		snap.MediaKind = "photo"
	case *tg.MessageMediaDocument:
		snap.MediaKind = documentKind(media)
	}
	return snap
}

func documentKind(media *tg.MessageMediaDocument) string {
	doc, ok := media.Document.(*tg.Document)
	if !ok {
		return "document"
	}
	for _, attr := range doc.Attributes {
		switch attr.(type) {
		case *tg.DocumentAttributeVideo:
			return "video"
		case *tg.DocumentAttributeAudio:
			return "audio"
		case *tg.DocumentAttributeSticker:
			return "sticker"
		}
	}
	return "document"
}

// photoDHash downloads the smallest thumbnail of the message photo and
// computes its perceptual hash. Failures leave the hash unset; the image
// blocklist then simply cannot match.
func photoDHash(ctx context.Context, api *tg.Client, m *tg.Message) (uint64, bool) {
	media, ok := m.Media.(*tg.MessageMediaPhoto)
	if !ok {
		return 0, false
	}
	photo, ok := media.Photo.(*tg.Photo)
	if !ok {
		return 0, false
	}
	thumb := smallestSize(photo.Sizes)
	if thumb == "" {
		return 0, false
	}
	loc := &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     thumb,
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, &buf); err != nil {
		return 0, false
	}
	img, _, err := image.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return 0, false
	}
	return filters.DHash(img), true
}

func smallestSize(sizes []tg.PhotoSizeClass) string {
	best := ""
	bestArea := 0
	for _, s := range sizes {
		ps, ok := s.(*tg.PhotoSize)
		if !ok {
			continue
		}
		area := ps.W * ps.H
		if best == "" || area < bestArea {
			best = ps.Type
			bestArea = area
		}
	}
	return best
}
