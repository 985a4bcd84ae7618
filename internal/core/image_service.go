package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"gwi.com/inference-gateway/internal/metrics"
)

const (
	StyleVivid   = "vivid"
	StyleNatural = "natural"
)

type ImageRequest struct {
	Prompt       string `json:"prompt" validate:"required"`
	NumberImages int    `json:"number_images" validate:"min=1,max=4"`
	Style        string `json:"style" validate:"oneof=vivid natural"`
}

// ImageGenerator produces a single image for a prompt and returns its URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, style string) (string, error)
}

type OpenAIImageGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIImageGenerator(apiKey, baseURL, model string) *OpenAIImageGenerator {
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &OpenAIImageGenerator{client: newOpenAIClient(apiKey, baseURL), model: model}
}

func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, prompt, style string) (string, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          g.model,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		Style:          style,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fmt.Errorf("openai image generation failed: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("openai returned no image")
	}
	return resp.Data[0].URL, nil
}

type ImageService struct {
	gen      ImageGenerator
	validate *validator.Validate
	metrics  *metrics.StreamingMetrics
	logger   zerolog.Logger
}

func NewImageService(gen ImageGenerator, m *metrics.StreamingMetrics, logger zerolog.Logger) *ImageService {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &ImageService{
		gen:      gen,
		validate: v,
		metrics:  m,
		logger:   logger.With().Str("component", "images").Logger(),
	}
}

// Generate returns one URL per requested image. NumberImages and Style default to 1 and vivid.
func (s *ImageService) Generate(ctx context.Context, req ImageRequest) ([]string, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.NumberImages == 0 {
		req.NumberImages = 1
	}
	if req.Style == "" {
		req.Style = StyleVivid
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Msg: describeValidation(err)}
	}

	urls := make([]string, req.NumberImages)
	g, gctx := errgroup.WithContext(ctx)
	for i := range urls {
		g.Go(func() error {
			url, err := s.gen.GenerateImage(gctx, req.Prompt, req.Style)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.RecordImages(0, false)
		s.logger.Error().Err(err).Int("number_images", req.NumberImages).Msg("image generation failed")
		return nil, &ProviderError{Provider: "images", Err: err}
	}

	s.metrics.RecordImages(len(urls), true)
	return urls, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Missing required parameter: %s", fe.Field())
	case "min", "max":
		return fmt.Sprintf("%s must be between 1 and 4", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
