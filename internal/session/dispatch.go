// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/relaybot/internal/cloud"
	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/platform"
	"github.com/jeranaias/relaybot/internal/util"
)

// Kind classifies inbound content.
type Kind int

const (
	KindText Kind = iota
	KindPhoto
	KindDocument
	KindAudio
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPhoto:
		return "photo"
	case KindDocument:
		return "document"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Inbound is one user message as delivered by the front-end.
type Inbound struct {
	Kind Kind

	// Text is the message text, or the caption of a media message.
	Text string

	// Images are data or file URLs: the photo, or key frames of a video.
	Images []string

	Document *Document

	// AudioPath is a downloaded voice file; it is removed after use.
	AudioPath string
}

// Responder is what Dispatch needs from the messaging front-end. Typing
// runs on its own goroutine, so implementations must be safe for
// concurrent use.
type Responder interface {
	// Send posts a text reply and returns its message id.
	Send(ctx context.Context, text string) (int64, error)

	// Edit replaces the text of a message sent earlier.
	Edit(ctx context.Context, messageID int64, text string) error

	SendPhoto(ctx context.Context, url, caption string) error

	// Typing shows a short-lived typing indicator.
	Typing(ctx context.Context) error
}

// Reply describes what the user was shown.
type Reply struct {
	Text     string
	ImageURL string
	PasteURL string
	Messages int

	// Truncated is set when a later chunk of a long answer could not be
	// sent. The exchange is still recorded.
	Truncated bool
}

// User-visible progress texts.
const (
	placeholderText      = "Typing..."
	placeholderImageText = "Generating image, please wait..."
	imageDoneText        = "Image generated!"
	overflowPasteText    = "The answer is too long, uploading it to the paste host..."
	overflowChunkText    = "The answer is too long, it will follow in several messages..."
	emptyAnswerText      = "The model returned an empty answer."
	genericFailureText   = "Something went wrong, please try again."
)

// Video framing sent around key frames.
const (
	videoFramesBegin = "Video key frames begin"
	videoFramesEnd   = "Video key frames end"
	videoInstruction = "Please give an overall analysis of the whole video"
)

// =============================================================================
// DISPATCH
// =============================================================================

// Dispatch answers one inbound message. The user always gets a reply: the
// answer, or error text when anything fails. The returned error is the
// failure that was reported, for logging.
func (s *Session) Dispatch(ctx context.Context, in Inbound, out Responder) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	if every := s.deps.Options.TypingInterval; every > 0 {
		go keepTyping(typingCtx, out, every)
	}

	r := &relay{out: out, opts: s.deps.Options, paste: s.deps.Paste}
	reply, err := s.dispatchLocked(ctx, in, r)
	stopTyping()
	if err != nil {
		return s.reportLocked(ctx, r, err), err
	}
	s.dirty = true
	return reply, nil
}

func (s *Session) dispatchLocked(ctx context.Context, in Inbound, r *relay) (Reply, error) {
	if err := s.activateLocked(ctx); err != nil {
		return Reply{}, err
	}
	content, err := s.classifyLocked(ctx, in)
	if err != nil {
		return Reply{}, err
	}
	charged := false
	if s.user.Visitor && s.deps.Quota != nil {
		if _, err := s.deps.Quota.Allow(ctx, visitorKey(s.user.ID)); err != nil {
			discard(content)
			return Reply{}, err
		}
		charged = true
	}

	// Input is accepted from here on. Anything that fails before the user
	// sees an answer puts the history back and refunds the charge.
	hist := s.platform.History()
	cp := hist.Checkpoint()
	if isVideo(in) {
		hist.Clear()
	}

	sc := platform.SessionContext{Mask: s.mask, Model: s.model}
	var reply Reply
	if s.deps.Options.Stream {
		reply, err = s.streamLocked(ctx, content, sc, r)
	} else {
		reply, err = s.batchLocked(ctx, content, sc, r)
	}
	if err != nil {
		hist.Revert(cp)
		if charged {
			if rerr := s.deps.Quota.Refund(ctx, visitorKey(s.user.ID)); rerr != nil {
				log.Printf("session %s: user %d: quota refund failed: %v", s.id, s.user.ID, rerr)
			}
		}
		return Reply{}, err
	}
	return reply, nil
}

func (s *Session) batchLocked(ctx context.Context, content model.Content, sc platform.SessionContext, r *relay) (Reply, error) {
	answer, err := s.platform.Request(ctx, content, sc)
	if err != nil {
		return Reply{}, err
	}
	var reply Reply
	if sc.WantsImage() {
		reply, err = r.photo(ctx, answer)
	} else {
		reply, err = r.text(ctx, answer)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrReplyUndeliverable, err)
	}
	return reply, nil
}

func (s *Session) streamLocked(ctx context.Context, content model.Content, sc platform.SessionContext, r *relay) (Reply, error) {
	image := sc.WantsImage()
	text := placeholderText
	if image {
		text = placeholderImageText
	}
	id, err := r.out.Send(ctx, text)
	if err != nil {
		discard(content)
		return Reply{}, fmt.Errorf("%w: %v", ErrReplyUndeliverable, err)
	}
	r.placeholder = id

	answer, err := s.platform.StreamRequest(ctx, content, sc, func(snap cloud.Snapshot) error {
		if !image {
			r.progress(ctx, snap)
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	if image {
		reply, err = r.photo(ctx, answer)
		if err == nil {
			r.edit(ctx, imageDoneText)
		}
	} else {
		reply, err = r.text(ctx, answer)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrReplyUndeliverable, err)
	}
	return reply, nil
}

// reportLocked logs err, applies its side effect and tells the user.
func (s *Session) reportLocked(ctx context.Context, r *relay, err error) Reply {
	log.Printf("session %s: user %d: dispatch failed: %v", s.id, s.user.ID, err)

	var desc *model.Descriptor
	if s.platform != nil {
		desc = s.platform.Descriptor()
	}
	f := Describe(err, desc, s.deps.pasteHost())
	switch f.Action {
	case ActionClearHistory:
		s.platform.History().Clear()
		s.dirty = true
	case ActionReauthenticate:
		if cred, rerr := s.platform.Reauthenticate(ctx); rerr != nil {
			log.Printf("session %s: reauthentication of %s failed: %v", s.id, s.platform.Key(), rerr)
		} else {
			log.Printf("session %s: %s reauthenticated with %s", s.id, s.platform.Key(), cred.Fingerprint())
		}
	}

	text := strings.TrimSpace(f.Text)
	if text == "" {
		text = genericFailureText
	}
	text = util.TruncateBytes(text, s.deps.Options.MessageLimit)
	if r.placeholder != 0 {
		if eerr := r.out.Edit(ctx, r.placeholder, text); eerr == nil {
			return Reply{Text: text, Messages: 1}
		}
	}
	if _, serr := r.out.Send(ctx, text); serr != nil {
		log.Printf("session %s: error reply undeliverable: %v", s.id, serr)
		return Reply{Text: text}
	}
	return Reply{Text: text, Messages: 1}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func (s *Session) classifyLocked(ctx context.Context, in Inbound) (model.Content, error) {
	if isVideo(in) {
		return s.videoLocked(in)
	}

	switch in.Kind {
	case KindText:
		text := strings.TrimSpace(in.Text)
		if s.deps.Paste != nil {
			if id, ok := s.deps.Paste.Match(text); ok {
				pasted, err := s.deps.Paste.Fetch(ctx, id)
				if err != nil {
					return model.Content{}, err
				}
				return model.Text(compress(normalize(pasted), s.deps.stopWords())), nil
			}
		}
		q, err := s.question(text)
		if err != nil {
			return model.Content{}, err
		}
		if q == "" {
			return model.Content{}, ErrEmptyMessage
		}
		return model.Text(q), nil

	case KindPhoto:
		if !s.visionLocked() {
			return model.Content{}, fmt.Errorf("%w: %s", ErrVisionUnsupported, s.model)
		}
		caption, err := s.question(in.Text)
		if err != nil {
			return model.Content{}, err
		}
		if len(in.Images) == 0 {
			return model.Content{}, ErrEmptyMessage
		}
		var parts []model.ContentPart
		if caption != "" {
			parts = append(parts, model.TextPart(caption))
		}
		for _, url := range in.Images {
			parts = append(parts, model.ImageURLPart(url))
		}
		return model.Multimodal(parts...), nil

	case KindDocument:
		if in.Document == nil {
			return model.Content{}, ErrEmptyMessage
		}
		caption, err := s.question(in.Text)
		if err != nil {
			return model.Content{}, err
		}
		body, err := FormatDocument(*in.Document)
		if err != nil {
			return model.Content{}, err
		}
		if s.deps.Options.SummarizeDocuments && len(body) > s.deps.Options.MaxInputBytes {
			body = s.platform.Summarize(ctx, body, "")
		}
		if caption != "" {
			body += "\n" + caption
		}
		return model.Text(body), nil

	case KindAudio:
		if in.AudioPath == "" {
			return model.Content{}, ErrEmptyMessage
		}
		if !s.platform.Descriptor().CanTranscribe() {
			os.Remove(in.AudioPath)
			return model.Content{}, fmt.Errorf("%w: %s", ErrAudioUnsupported, s.platform.Descriptor().DisplayName())
		}
		return model.AudioRef(in.AudioPath), nil
	}
	return model.Content{}, fmt.Errorf("%w: %s", ErrEmptyMessage, in.Kind)
}

// videoLocked frames the key frames for analysis. Video starts a fresh
// conversation; dispatchLocked clears the history once quota is charged.
func (s *Session) videoLocked(in Inbound) (model.Content, error) {
	if !s.visionLocked() {
		return model.Content{}, fmt.Errorf("%w: %s", ErrVisionUnsupported, s.model)
	}
	caption, err := s.question(in.Text)
	if err != nil {
		return model.Content{}, err
	}
	if len(in.Images) == 0 {
		return model.Content{}, ErrEmptyMessage
	}

	parts := []model.ContentPart{model.TextPart(videoFramesBegin)}
	for _, url := range in.Images {
		parts = append(parts, model.ImageURLPart(url))
	}
	parts = append(parts, model.TextPart(videoFramesEnd), model.TextPart(videoInstruction))
	if caption != "" {
		parts = append(parts, model.TextPart(caption))
	}
	return model.Multimodal(parts...), nil
}

func isVideo(in Inbound) bool {
	return in.Kind == KindVideo || (in.Kind == KindDocument && in.Document.IsVideo())
}

// question normalizes text, enforces the input budget and compresses it.
func (s *Session) question(text string) (string, error) {
	n := normalize(strings.TrimSpace(text))
	if limit := s.deps.Options.MaxInputBytes; limit > 0 && len(n) > limit {
		return "", &TooLongError{Size: len(n), Limit: limit}
	}
	return compress(n, s.deps.stopWords()), nil
}

func (s *Session) visionLocked() bool {
	return hasAnyPrefix(s.model, s.deps.Options.VisionPrefixes)
}

func visitorKey(id int64) string {
	return "visitor:" + strconv.FormatInt(id, 10)
}

// discard releases resources held by content that will not be sent.
func discard(c model.Content) {
	if c.Kind() == model.KindAudio {
		os.Remove(c.AudioPath())
	}
}

func keepTyping(ctx context.Context, out Responder, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		// Best effort; a failed indicator is not worth reporting.
		_ = out.Typing(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// RELAY
// =============================================================================

// relay delivers one answer, tracking the streaming placeholder.
type relay struct {
	out   Responder
	opts  Options
	paste PasteBin

	placeholder int64
	shown       string
	overflow    bool
}

// STREAMING: edits are throttled to every EditThreshold bytes of growth.
// Once the answer outgrows MaxReplyBytes the placeholder shows a notice and
// stops following the stream.
func (r *relay) progress(ctx context.Context, snap cloud.Snapshot) {
	if snap.Status != cloud.NotFinished || r.overflow {
		return
	}
	if abs(len(snap.Answer)-len(r.shown)) < r.opts.EditThreshold {
		return
	}
	if len(snap.Answer) > r.opts.MaxReplyBytes {
		r.overflow = true
		notice := overflowChunkText
		if r.paste != nil {
			notice = overflowPasteText
		}
		r.edit(ctx, notice)
		return
	}
	if r.edit(ctx, snap.Answer) {
		r.shown = snap.Answer
	}
}

// edit updates the placeholder, reporting success. Failures mid-stream are
// logged and the stream continues.
func (r *relay) edit(ctx context.Context, text string) bool {
	if r.placeholder == 0 {
		return false
	}
	if err := r.out.Edit(ctx, r.placeholder, text); err != nil {
		log.Printf("relay: edit of message %d failed: %v", r.placeholder, err)
		return false
	}
	return true
}

// text delivers a final answer: inline when short, as a paste link when
// long and a paste host is configured, otherwise in chunks. Once the first
// chunk is out the answer counts as delivered; a later chunk that fails is
// logged and the reply reports how many messages got through.
func (r *relay) text(ctx context.Context, answer string) (Reply, error) {
	if strings.TrimSpace(answer) == "" {
		answer = emptyAnswerText
	}
	if len(answer) > r.opts.MaxReplyBytes && r.paste != nil {
		url, err := r.paste.Upload(ctx, answer)
		if err == nil {
			notice := "The answer is too long, read it here: " + url
			if err := r.deliver(ctx, notice); err != nil {
				return Reply{}, err
			}
			return Reply{Text: answer, PasteURL: url, Messages: 1}, nil
		}
		log.Printf("relay: paste upload failed, sending in chunks: %v", err)
	}

	chunks := util.SplitMessage(answer, r.opts.MessageLimit)
	if err := r.deliver(ctx, chunks[0]); err != nil {
		return Reply{}, err
	}
	for i, chunk := range chunks[1:] {
		if _, err := r.out.Send(ctx, chunk); err != nil {
			log.Printf("relay: chunk %d of %d undeliverable, answer truncated: %v", i+2, len(chunks), err)
			return Reply{Text: answer, Messages: i + 1, Truncated: true}, nil
		}
	}
	return Reply{Text: answer, Messages: len(chunks)}, nil
}

// deliver puts text into the placeholder when there is one, or sends it.
func (r *relay) deliver(ctx context.Context, text string) error {
	if r.placeholder != 0 {
		if text == r.shown {
			return nil
		}
		err := r.out.Edit(ctx, r.placeholder, text)
		if err == nil {
			r.shown = text
			return nil
		}
		log.Printf("relay: final edit failed, sending instead: %v", err)
	}
	_, err := r.out.Send(ctx, text)
	return err
}

func (r *relay) photo(ctx context.Context, url string) (Reply, error) {
	if err := r.out.SendPhoto(ctx, url, ""); err != nil {
		return Reply{}, err
	}
	return Reply{ImageURL: url, Messages: 1}, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
