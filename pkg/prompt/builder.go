// Package prompt assembles absorbed content into the multimodal prompt
// handed to memory agents. Assembly is stateless and deterministic: the
// same inputs always produce the same part sequence.
package prompt

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mirix-ai/mirixd/pkg/models"
)

// Section and directive texts. These are fixed contract strings shared with
// the agent layer; do not reword.
const (
	screenshotsIntro  = "The following are the screenshots taken from the computer of the user:"
	textIntro         = "The following are text messages from the user:"
	conversationIntro = "The following are the conversations between the user and the Chat Agent while capturing this content:"

	directiveDirect = "[System Message] Interpret the provided content, according to what the user is doing, extract the important information matching your memory type and save it into the memory."

	directiveDirectWithConversation = "[System Message] Interpret the provided content and the conversations between the user and the chat agent, according to what the user is doing, trigger the appropriate memory update."

	directiveMeta = "[System Message] As the meta memory manager, analyze the provided content. Based on the content, determine what memories need to be updated (episodic, procedural, knowledge vault, semantic, core, and resource)"

	directiveMetaWithConversation = "[System Message] As the meta memory manager, analyze the provided content and the conversations between the user and the chat agent. Based on what the user is doing, determine which memory should be updated (episodic, procedural, knowledge vault, semantic, core, and resource)."
)

// Builder assembles prompts. Zero value is ready to use.
type Builder struct{}

// NewBuilder creates a prompt builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Assemble builds the complete prompt for one absorption cycle: content
// sections, then the buffered conversation transcript if any, then the mode
// directive. Image refs must already be resolved; a Pending ref here is a
// caller bug and is skipped with a log line. The returned flag reports
// whether a conversation block was included.
func (b *Builder) Assemble(messages []models.StagedMessage, transcription string, conversations []models.ConversationPair, skipMeta bool) ([]models.ContentPart, bool) {
	parts := b.BuildContent(messages, transcription)

	withConversation := false
	if block, ok := b.ConversationBlock(conversations); ok {
		parts = append(parts, block)
		withConversation = true
	}

	parts = append(parts, models.TextPart(Directive(skipMeta, withConversation)))
	return parts, withConversation
}

// sourceImage is one image entry under a source group.
type sourceImage struct {
	timestamp string
	ref       models.ImageRef
}

// BuildContent assembles the content sections in fixed order: screenshots
// grouped by source application, voice transcription, then text messages.
func (b *Builder) BuildContent(messages []models.StagedMessage, transcription string) []models.ContentPart {
	// Group images by source, preserving first-seen source order.
	var sourceOrder []string
	imagesBySource := make(map[string][]sourceImage)

	type textEntry struct {
		timestamp string
		text      string
	}
	var texts []textEntry

	for i := range messages {
		msg := &messages[i]
		for idx, ref := range msg.Images {
			if ref.Kind == models.ImageKindPending {
				slog.Warn("Unresolved image reference during prompt assembly, skipping",
					"upload_id", ref.UploadID, "filename", ref.Filename)
				continue
			}
			source := msg.SourceFor(idx)
			if _, seen := imagesBySource[source]; !seen {
				sourceOrder = append(sourceOrder, source)
			}
			imagesBySource[source] = append(imagesBySource[source], sourceImage{
				timestamp: msg.Timestamp,
				ref:       ref,
			})
		}
		if msg.Text != "" {
			texts = append(texts, textEntry{timestamp: msg.Timestamp, text: msg.Text})
		}
	}

	var parts []models.ContentPart

	if len(sourceOrder) > 0 {
		parts = append(parts, models.TextPart(screenshotsIntro))
		for _, source := range sourceOrder {
			parts = append(parts, models.TextPart(fmt.Sprintf("These are the screenshots from %s:", source)))
			for _, img := range imagesBySource[source] {
				parts = append(parts, models.TextPart(fmt.Sprintf("Timestamp: %s", img.timestamp)))
				parts = append(parts, imagePart(img.ref))
			}
		}
	}

	if transcription != "" {
		parts = append(parts, models.TextPart(
			fmt.Sprintf("The following are the voice recordings and their transcriptions:\n%s", transcription)))
	}

	if len(texts) > 0 {
		parts = append(parts, models.TextPart(textIntro))
		for _, t := range texts {
			parts = append(parts, models.TextPart(fmt.Sprintf("Timestamp: %s Text:\n%s", t.timestamp, t.text)))
		}
	}

	return parts
}

// ConversationBlock renders the buffered transcript into a single text part.
// Returns false when there is nothing buffered.
func (b *Builder) ConversationBlock(pairs []models.ConversationPair) (models.ContentPart, bool) {
	if len(pairs) == 0 {
		return models.ContentPart{}, false
	}
	var sb strings.Builder
	sb.WriteString(conversationIntro)
	sb.WriteString("\n")
	for _, pair := range pairs {
		for _, turn := range pair.Turns() {
			fmt.Fprintf(&sb, "role: %s; content: %s\n", turn.Role, turn.Content)
		}
	}
	return models.TextPart(strings.TrimSpace(sb.String())), true
}

// Directive returns the trailing system instruction for the dispatch mode.
func Directive(skipMeta, withConversation bool) string {
	if skipMeta {
		if withConversation {
			return directiveDirectWithConversation
		}
		return directiveDirect
	}
	if withConversation {
		return directiveMetaWithConversation
	}
	return directiveMeta
}

// imagePart renders a resolved image reference: remote refs become file-URI
// parts, local refs are inlined as base64 data URIs. An unreadable local
// file degrades to a text placeholder rather than failing the cycle.
func imagePart(ref models.ImageRef) models.ContentPart {
	switch ref.Kind {
	case models.ImageKindRemote:
		return models.RemoteURIPart(ref.URI)
	case models.ImageKindLocal:
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			slog.Error("Failed to read local image for prompt assembly",
				"path", ref.Path, "error", err)
			return models.TextPart(fmt.Sprintf("[Image at %s could not be processed]", ref.Path))
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		return models.InlineImagePart(fmt.Sprintf("data:%s;base64,%s", mimeTypeFor(ref.Path), encoded))
	default:
		return models.TextPart(fmt.Sprintf("[Image %s could not be processed]", ref.Filename))
	}
}

// mimeTypeFor maps an image file extension to its MIME type, defaulting to
// PNG for unrecognized extensions.
func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
