package llm

import (
	"context"
	"encoding/base64"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/observability"
)

const (
	storageStemMaxLength   = 80
	storageSuffixMaxLength = 16
)

var (
	unsafeStemChars   = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	unsafeSuffixChars = regexp.MustCompile(`[^A-Za-z0-9.]`)
)

// metadataLocator is one probing strategy for finding the metadata object a
// payload carries its attachments under. Strategies run in order; the first
// hit wins.
type metadataLocator func(payload map[string]any) map[string]any

var attachmentLocators = []metadataLocator{
	func(payload map[string]any) map[string]any {
		metadata, _ := payload["message_metadata"].(map[string]any)
		return metadata
	},
	func(payload map[string]any) map[string]any {
		message, ok := payload["message"].(map[string]any)
		if !ok {
			return nil
		}
		for _, key := range []string{"metadata", "message_metadata"} {
			if metadata, ok := message[key].(map[string]any); ok {
				return metadata
			}
		}
		return nil
	},
	func(payload map[string]any) map[string]any {
		choices, ok := payload["choices"].([]any)
		if !ok {
			return nil
		}
		for _, raw := range choices {
			choice, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			message, ok := choice["message"].(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"metadata", "message_metadata"} {
				if metadata, ok := message[key].(map[string]any); ok {
					return metadata
				}
			}
		}
		return nil
	},
}

// attachmentExtractor decodes provider-embedded binary attachments out of
// stream payloads, writes them to external storage, and rewrites the payload
// entries to reference the stored files instead of raw bytes.
type attachmentExtractor struct {
	store    domain.AttachmentStore
	endpoint string
}

func newAttachmentExtractor(store domain.AttachmentStore, endpoint string) *attachmentExtractor {
	return &attachmentExtractor{
		store:    store,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

// persistPayloadAttachments rewrites the attachment list of one payload in
// place. Per-attachment failures are logged and swallowed so one bad entry
// cannot abort the stream or discard the others.
func (e *attachmentExtractor) persistPayloadAttachments(ctx context.Context, payload map[string]any) {
	if e == nil || e.store == nil {
		return
	}
	var metadata map[string]any
	for _, locate := range attachmentLocators {
		if found := locate(payload); found != nil {
			metadata = found
			break
		}
	}
	if metadata == nil {
		return
	}
	attachments, ok := metadata["attachments"].([]any)
	if !ok || len(attachments) == 0 {
		return
	}
	stored := make([]any, 0, len(attachments))
	for _, raw := range attachments {
		attachment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		stored = append(stored, e.storeAttachment(ctx, attachment))
	}
	if len(stored) > 0 {
		metadata["attachments"] = stored
	}
}

// storeAttachment writes one attachment to storage and returns its rewritten
// entry. The raw base64 payload is always dropped from the returned entry so
// binary data is never re-emitted downstream.
func (e *attachmentExtractor) storeAttachment(ctx context.Context, attachment map[string]any) map[string]any {
	logger := observability.FromContext(ctx)

	sanitized := make(map[string]any, len(attachment))
	for key, value := range attachment {
		if key == "data" || key == "image_base64" {
			continue
		}
		sanitized[key] = value
	}

	dataB64, ok := attachment["data"].(string)
	if !ok {
		logger.Warn("skipping provider attachment without data payload",
			observability.Any("keys", attachmentKeys(attachment)),
		)
		return sanitized
	}
	binary, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		logger.Warn("failed to decode provider attachment payload", observability.Error(err))
		return sanitized
	}

	filename := "attachment.bin"
	for _, key := range []string{"filename", "name"} {
		if name, ok := attachment[key].(string); ok && name != "" {
			filename = name
			break
		}
	}
	storageName := buildStorageFilename(filename)

	if err := e.store.Save(ctx, storageName, binary); err != nil {
		logger.Error("failed to persist provider attachment",
			observability.String("filename", filename),
			observability.Error(err),
		)
		return sanitized
	}
	logger.Info("stored provider attachment",
		observability.String("filename", filename),
		observability.String("storage_filename", storageName),
		observability.Int("bytes", len(binary)),
	)

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "file"
	}
	sanitized["filename"] = filename
	sanitized["bytes"] = len(binary)
	if contentType := contentTypeOf(attachment); contentType != "" {
		sanitized["content_type"] = contentType
	}
	sanitized["storage_filename"] = storageName
	if e.endpoint != "" {
		sanitized["download_url"] = e.endpoint + "/" + storageName
	}
	return sanitized
}

func contentTypeOf(attachment map[string]any) string {
	for _, key := range []string{"content_type", "media_type", "mime_type"} {
		if value, ok := attachment[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func attachmentKeys(attachment map[string]any) []string {
	keys := make([]string, 0, len(attachment))
	for key := range attachment {
		keys = append(keys, key)
	}
	return keys
}

// buildStorageFilename derives a collision-resistant storage name from the
// original filename: sanitized stem, random suffix, preserved extension.
func buildStorageFilename(original string) string {
	name := path.Base(strings.ReplaceAll(original, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	ext := path.Ext(name)
	stem := unsafeStemChars.ReplaceAllString(strings.TrimSuffix(name, ext), "_")
	if stem == "" {
		stem = "attachment"
	}
	if len(stem) > storageStemMaxLength {
		stem = stem[:storageStemMaxLength]
	}
	safeExt := unsafeSuffixChars.ReplaceAllString(ext, "")
	if len(safeExt) > storageSuffixMaxLength {
		safeExt = safeExt[:storageSuffixMaxLength]
	}
	if safeExt != "" && !strings.HasPrefix(safeExt, ".") {
		safeExt = "." + safeExt
	}
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return stem + "_" + random + safeExt
}
