package relay

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
)

var ErrNoMedia = errors.New("no media link found in page")

// MediaResolver finds the real media URL inside an HTML page served by the
// redirect-resolution host.
type MediaResolver interface {
	Resolve(page []byte) (*url.URL, error)
}

// mediaImgSrc matches the first <img> whose src points at a media.* host.
var mediaImgSrc = regexp.MustCompile(`(?is)<img\b[^>]*?\bsrc\s*=\s*["'](https://media[^"'\s>]+)["']`)

// RegexpResolver is a best-effort scrape of the page markup. It depends on
// the third-party page layout and stops working when that changes.
type RegexpResolver struct{}

func (RegexpResolver) Resolve(page []byte) (*url.URL, error) {
	m := mediaImgSrc.FindSubmatch(page)
	if m == nil {
		return nil, ErrNoMedia
	}
	u, err := url.Parse(html.UnescapeString(string(m[1])))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMedia, err)
	}
	return u, nil
}
