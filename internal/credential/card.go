package credential

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"regexp"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Card geometry, in pixels.
const (
	CardWidth  = 400
	CardHeight = 600
	qrSize     = 300
	margin     = 50

	nameSize     = 30
	registerSize = 22
)

// CardData is what a printed credential shows.
type CardData struct {
	Name       string
	RegisterNo string
	Token      string
}

// RenderCard draws a white card with the holder's name and register number
// above a QR code of the token.
func RenderCard(d CardData) (image.Image, error) {
	qr, err := QRImage(d.Token, qrSize)
	if err != nil {
		return nil, err
	}

	name, err := textLine(d.Name, nameSize, CardWidth-2*margin)
	if err != nil {
		return nil, err
	}
	regNo, err := textLine(d.RegisterNo, registerSize, CardWidth-2*margin)
	if err != nil {
		return nil, err
	}

	card := imaging.New(CardWidth, CardHeight, color.White)
	card = imaging.Overlay(card, name, image.Pt(margin, 100-name.Bounds().Dy()), 1)
	card = imaging.Overlay(card, regNo, image.Pt(margin, 150-regNo.Bounds().Dy()), 1)
	card = imaging.Paste(card, qr, image.Pt(margin, 200))
	return card, nil
}

// RenderCardPNG renders the card and encodes it as PNG.
func RenderCardPNG(d CardData) ([]byte, error) {
	img, err := RenderCard(d)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("credential: encode card: %w", err)
	}
	return buf.Bytes(), nil
}

// goRegular is the card typeface. It covers Latin, Greek and Cyrillic;
// other scripts draw as the font's missing-glyph box.
var goRegular = sync.OnceValues(func() (*opentype.Font, error) {
	return opentype.Parse(goregular.TTF)
})

// textLine draws s in black at size points, clipped to maxWidth.
func textLine(s string, size float64, maxWidth int) (image.Image, error) {
	f, err := goRegular()
	if err != nil {
		return nil, fmt.Errorf("credential: parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("credential: font face: %w", err)
	}
	defer face.Close()

	m := face.Metrics()
	w := min(font.MeasureString(face, s).Ceil(), maxWidth)
	if w <= 0 {
		w = 1
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, (m.Ascent + m.Descent).Ceil()))
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.Point26_6{Y: m.Ascent},
	}
	d.DrawString(s)
	return img, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// tokenChars is how many leading token characters a card file name carries.
const tokenChars = 12

// CardFileName is the file name a card is saved under:
// <registerNo>_<token prefix>_card.png. Characters outside [A-Za-z0-9._-],
// path separators included, become "_". The token prefix keeps holders whose
// register numbers sanitize to the same text apart.
func CardFileName(registerNo, token string) string {
	name := strings.TrimLeft(unsafeName.ReplaceAllString(registerNo, "_"), ".")
	if len(token) > tokenChars {
		token = token[:tokenChars]
	}
	return name + "_" + token + "_card.png"
}

// CardPublicID is the remote asset id for a card; it matches CardFileName
// without the extension.
func CardPublicID(registerNo, token string) string {
	return strings.TrimSuffix(CardFileName(registerNo, token), ".png")
}
