package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chaos-io/cutout/imaging"
	nhttp "github.com/chaos-io/cutout/util/http"
)

// U2Net talks to a U²-Net "remove-bg" service.
//
//	curl -X POST "$URL" -F "image=@my_image.png" -o cutout.png
//
// The service answers with an RGBA PNG of the same size as the input.
type U2Net struct {
	endpoint string
	cli      nhttp.IClient
}

// NewU2Net returns a client for endpoint. A non-positive timeout keeps the
// HTTP client's default.
func NewU2Net(endpoint string, timeout time.Duration) *U2Net {
	cli := nhttp.NewHTTPClient()
	if timeout > 0 {
		cli = nhttp.NewHTTPClientWithTimeout(timeout)
	}
	return &U2Net{endpoint: endpoint, cli: cli}
}

func (u *U2Net) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if u.endpoint == "" {
		return nil, ErrNoService
	}

	data, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	var raw []byte
	reqParam := &nhttp.RequestParam{
		RequestURI:     u.endpoint,
		Method:         http.MethodPost,
		Header:         map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:           body,
		Response:       &raw,
		ResponseHeader: http.Header{},
	}
	if err := u.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	out, err := imaging.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cutout: %w", err)
	}
	if out.Bounds().Size() != img.Bounds().Size() {
		return nil, fmt.Errorf("cutout size %v does not match input %v", out.Bounds().Size(), img.Bounds().Size())
	}

	log.Debug().
		Str("component", "segment").
		Str("content_type", reqParam.ResponseHeader.Get("Content-Type")).
		Int("bytes", len(raw)).
		Msg("cutout received")
	return out, nil
}

// Ping checks that the service host is reachable. Any HTTP answer counts
// whatever its status; only transport failures (dial, timeout) are reported.
func (u *U2Net) Ping(ctx context.Context) error {
	if u.endpoint == "" {
		return ErrNoService
	}
	base, err := url.Parse(u.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	base.Path = "/"
	base.RawQuery = ""

	err = u.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: base.String(),
		Method:     http.MethodGet,
		Timeout:    10 * time.Second,
	})
	var statusErr *nhttp.StatusError
	if errors.As(err, &statusErr) {
		return nil
	}
	return err
}
