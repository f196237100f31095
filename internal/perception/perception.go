// Package perception turns inbound image references into something the
// agent can use: a visual classification (sticker, photo, icon), a short
// description, and for photos a compressed base64 payload.
package perception

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "image/gif"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/types"
)

const (
	// Photos are downscaled to this max dimension before base64 embedding
	maxPhotoDim = 1536

	// Tiny images are face icons; no model call needed
	iconMaxDim = 64

	jpegQuality = 85

	connectTimeout = 3 * time.Second
	readTimeout    = 10 * time.Second

	maxCacheEntries = 512
	maxDownloadSize = 16 << 20
)

// Invoker is the slice of the LLM gateway perception needs
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32, class llm.QueryClass) (string, error)
}

// Result is what perception hands to the agent stage
type Result struct {
	Type        types.VisualType
	Description string
	Artifact    *types.PhotoArtifact
}

type cachedClass struct {
	kind        types.VisualType
	description string
}

// Perceptor classifies and prepares images, caching classifications by URL
type Perceptor struct {
	llm    Invoker
	model  string
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedClass
}

// New creates a perceptor using the given vision-capable model
func New(invoker Invoker, model string) *Perceptor {
	return &Perceptor{
		llm:   invoker,
		model: model,
		client: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		cache: make(map[string]cachedClass),
	}
}

// ShouldRun decides whether perception is worth a pass at all. With no
// new image it only runs when the recent history still talks about one.
func ShouldRun(images []types.ImageRef, recentHistory []types.ChatMessage) bool {
	if len(images) > 0 {
		return true
	}
	tail := recentHistory
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	for _, m := range tail {
		if strings.Contains(m.Content, "[图片") || strings.Contains(m.Content, "[表情包") {
			return true
		}
	}
	return false
}

// Analyze classifies the first image reference. Stickers and icons keep
// only a description; photos additionally carry a compressed payload.
func (p *Perceptor) Analyze(ctx context.Context, images []types.ImageRef) (Result, error) {
	if len(images) == 0 {
		return Result{Type: types.VisualNone}, nil
	}
	ref := images[0]

	// Sticker hints from the wire (mface summaries) skip the model
	if ref.StickerHint || ref.Summary != "" {
		desc := ref.Summary
		if desc == "" {
			desc = "一个表情包"
		}
		p.remember(ref.URL, cachedClass{types.VisualSticker, desc})
		return Result{Type: types.VisualSticker, Description: desc}, nil
	}

	if hit, ok := p.lookup(ref.URL); ok {
		res := Result{Type: hit.kind, Description: hit.description}
		if hit.kind == types.VisualPhoto {
			// Payloads are never cached; re-fetch for the artifact
			if art, err := p.fetchArtifact(ctx, ref.URL); err == nil {
				res.Artifact = art
			}
		}
		return res, nil
	}

	raw, err := p.download(ctx, ref.URL)
	if err != nil {
		return Result{Type: types.VisualNone}, fmt.Errorf("image download: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{Type: types.VisualNone}, fmt.Errorf("image decode: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= iconMaxDim && bounds.Dy() <= iconMaxDim {
		p.remember(ref.URL, cachedClass{types.VisualIcon, "一个小表情图标"})
		return Result{Type: types.VisualIcon, Description: "一个小表情图标"}, nil
	}

	artifact := compress(img)
	kind, desc := p.classify(ctx, artifact)
	p.remember(ref.URL, cachedClass{kind, desc})

	res := Result{Type: kind, Description: desc}
	if kind == types.VisualPhoto {
		res.Artifact = artifact
	}
	return res, nil
}

// classify asks the small vision model whether this is a sticker or a
// photo, and for a one-line description. Falls back to photo on failure.
func (p *Perceptor) classify(ctx context.Context, art *types.PhotoArtifact) (types.VisualType, string) {
	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeText,
					Text: "判断这张图是聊天表情包还是普通照片。第一行只输出 sticker 或 photo，第二行用一句话描述图片内容。",
				},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", art.MIME, art.Base64),
					},
				},
			},
		},
	}
	out, err := p.llm.Invoke(ctx, p.model, messages, 0.1, llm.ClassVision)
	if err != nil {
		logging.Warn("perception", "vision classify failed, assuming photo: %v", err)
		return types.VisualPhoto, "一张图片"
	}

	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	kind := types.VisualPhoto
	if strings.Contains(strings.ToLower(lines[0]), "sticker") {
		kind = types.VisualSticker
	}
	desc := "一张图片"
	if len(lines) > 1 && strings.TrimSpace(lines[1]) != "" {
		desc = strings.TrimSpace(lines[1])
	}
	return kind, desc
}

// fetchArtifact downloads and compresses a known photo
func (p *Perceptor) fetchArtifact(ctx context.Context, url string) (*types.PhotoArtifact, error) {
	raw, err := p.download(ctx, url)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return compress(img), nil
}

func (p *Perceptor) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
}

// compress downscales to maxPhotoDim and JPEG-encodes
func compress(img image.Image) *types.PhotoArtifact {
	b := img.Bounds()
	if b.Dx() > maxPhotoDim || b.Dy() > maxPhotoDim {
		img = resize.Thumbnail(maxPhotoDim, maxPhotoDim, img, resize.Lanczos3)
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	return &types.PhotoArtifact{
		MIME:   "image/jpeg",
		Base64: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
}

func (p *Perceptor) lookup(url string) (cachedClass, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cache[url]
	return c, ok
}

func (p *Perceptor) remember(url string, c cachedClass) {
	if url == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache) >= maxCacheEntries {
		p.cache = make(map[string]cachedClass)
	}
	p.cache[url] = c
}
