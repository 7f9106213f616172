package credential

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/skip2/go-qrcode"
)

// ErrDecodeFailure means no credential could be read from the supplied image.
var ErrDecodeFailure = errors.New("credential: no credential found")

// QRImage encodes token as a size x size QR symbol.
func QRImage(token string, size int) (image.Image, error) {
	q, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("credential: encode qr: %w", err)
	}
	return q.Image(size), nil
}

// EncodeQR returns token as a PNG QR code.
func EncodeQR(token string, size int) ([]byte, error) {
	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("credential: encode qr: %w", err)
	}
	return png, nil
}

// DecodeImage reads the QR symbol in an encoded image (PNG, JPEG, GIF or WebP)
// and returns its text.
func DecodeImage(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return Decode(img)
}

// Decode reads the QR symbol in img.
func Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	res, err := zxqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	text := strings.TrimSpace(res.GetText())
	if text == "" {
		return "", ErrDecodeFailure
	}
	return text, nil
}

// DecodeBase64 decodes a base64 image, optionally given as a data URL
// ("data:image/png;base64,..."), and reads its QR symbol.
func DecodeBase64(s string) (string, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return DecodeImage(data)
}
