// Package handlers performs the action a mention asks for and builds the
// reply text. Handlers never post; the dispatcher owns posting.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/nuwa/skyeye-bot/internal/upstream"
	"github.com/sirupsen/logrus"
)

// Request carries the mention plus the context the dispatcher gathered
type Request struct {
	Mention      *models.Mention
	TargetHandle string
	RoastCount   int // prior roasts of the target
	Revenge      *models.RevengeRelation
}

// Response is the outcome of an action. Success=false means the action
// failed; ReplyText then holds an apology and Err the cause.
type Response struct {
	Success   bool
	ReplyText string
	Err       error
}

// ActionHandler is implemented by each action variant
type ActionHandler interface {
	Handle(ctx context.Context, req Request) Response
}

// MediaDownloader fetches attached images
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
}

// ErrEmptyRoast is reported when the upstream succeeds with no text
var ErrEmptyRoast = errors.New("upstream returned an empty roast")

func failure(err error) Response {
	return Response{Success: false, ReplyText: ErrorReply(), Err: err}
}

// ImageLookupHandler answers "who is this" requests
type ImageLookupHandler struct {
	media MediaDownloader
	api   upstream.API
	limit int
}

var _ ActionHandler = (*ImageLookupHandler)(nil)

// NewImageLookupHandler creates a new image lookup handler
func NewImageLookupHandler(media MediaDownloader, api upstream.API, limit int) *ImageLookupHandler {
	if limit < 1 {
		limit = MaxLookupLinks
	}
	return &ImageLookupHandler{media: media, api: api, limit: limit}
}

// Handle looks up the first image of the mention
func (h *ImageLookupHandler) Handle(ctx context.Context, req Request) Response {
	if !req.Mention.HasImage() {
		return Response{Success: true, ReplyText: NoImageReply()}
	}

	image, err := h.media.DownloadMedia(ctx, req.Mention.ImageURLs[0])
	if err != nil {
		logrus.Errorf("Image lookup failed to download %s: %v", req.Mention.ImageURLs[0], err)
		return failure(err)
	}

	result := h.api.ImageLookup(ctx, image, h.limit)
	switch result.Kind {
	case upstream.Success:
	case upstream.NotFound:
		return Response{Success: true, ReplyText: NoFaceReply()}
	default:
		logrus.Errorf("Face Search API failed: %s", result.Error)
		return failure(fmt.Errorf("face search failed (%s): %s", result.Kind, result.Error))
	}

	links := make([]string, 0, len(result.Matches))
	for _, match := range result.Matches {
		if link := NormalizeURL(match.URL); link != "" {
			links = append(links, link)
		}
	}
	if len(links) == 0 {
		return Response{Success: true, ReplyText: NoResultReply()}
	}

	return Response{Success: true, ReplyText: LookupSuccessReply(links)}
}

// InsultHandler roasts the target handle
type InsultHandler struct {
	api upstream.API
}

var _ ActionHandler = (*InsultHandler)(nil)

// NewInsultHandler creates a new insult handler
func NewInsultHandler(api upstream.API) *InsultHandler {
	return &InsultHandler{api: api}
}

// Handle generates a roast and decorates it with history prefixes
func (h *InsultHandler) Handle(ctx context.Context, req Request) Response {
	if req.TargetHandle == "" {
		return Response{Success: true, ReplyText: NoTargetReply()}
	}

	result := h.api.Insult(ctx, req.TargetHandle)
	switch result.Kind {
	case upstream.Success:
	case upstream.NotFound:
		return Response{Success: true, ReplyText: UserNotFoundReply()}
	default:
		logrus.Errorf("X Roast API failed: %s", result.Error)
		return failure(fmt.Errorf("roast failed (%s): %s", result.Kind, result.Error))
	}

	if result.Text == "" {
		return failure(ErrEmptyRoast)
	}

	roast := HistoryPrefix(req.TargetHandle, req.RoastCount, req.Revenge) + result.Text
	return Response{Success: true, ReplyText: InsultReply(roast, req.TargetHandle)}
}

// HistoryPrefix picks the decoration for a roast. Revenge wins over the
// repeat-target prefixes.
func HistoryPrefix(target string, roastCount int, revenge *models.RevengeRelation) string {
	switch {
	case revenge != nil && revenge.AttackCount > 1:
		return fmt.Sprintf("[复仇模式] @%s 曾喷过你%d次，现在轮到你了\n\n", target, revenge.AttackCount)
	case revenge != nil:
		return fmt.Sprintf("[复仇模式] @%s 曾喷过你，现在轮到你了\n\n", target)
	case roastCount >= 5:
		return fmt.Sprintf("[老朋友警报] 第%d次被喷了\n\n", roastCount+1)
	case roastCount >= 2:
		return fmt.Sprintf("[回头客] 这位又来了，第%d次\n\n", roastCount+1)
	default:
		return ""
	}
}
