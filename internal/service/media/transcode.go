package media

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

const (
	startQuality = 85
	qualityStep  = 5
	minQuality   = 20
)

// TranscodeIfNeeded re-encodes an image above maxBytes as JPEG with
// decreasing quality until it fits. It never fails: undecodable input is
// returned unchanged, and the smallest attempt is returned when nothing fits.
func (s *Staging) TranscodeIfNeeded(path string, maxBytes int64) string {
	if maxBytes <= 0 {
		return path
	}
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Warn("Cannot stat media for transcoding", zap.String("path", path), zap.Error(err))
		return path
	}
	if info.Size() <= maxBytes {
		return path
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("Cannot open media for transcoding", zap.String("path", path), zap.Error(err))
		return path
	}
	src, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		s.logger.Warn("Cannot decode media, keeping original", zap.String("path", path), zap.Error(err))
		return path
	}

	flat := flatten(src)
	target := transcodedName(path)

	var buf bytes.Buffer
	used := startQuality
	for quality := startQuality; quality > minQuality; quality -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
			s.logger.Warn("Failed to encode media, keeping original", zap.String("path", path), zap.Error(err))
			return path
		}
		used = quality
		if int64(buf.Len()) <= maxBytes {
			break
		}
	}

	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		s.logger.Warn("Failed to write transcoded media, keeping original", zap.String("path", target), zap.Error(err))
		return path
	}

	fields := []zap.Field{
		zap.String("path", target),
		zap.String("format", format),
		zap.String("from", humanize.Bytes(uint64(info.Size()))),
		zap.String("to", humanize.Bytes(uint64(buf.Len()))),
		zap.Int("quality", used),
	}
	if int64(buf.Len()) > maxBytes {
		s.logger.Warn("Transcoded media still exceeds size budget", fields...)
	} else {
		s.logger.Info("Transcoded media", fields...)
	}

	return target
}

// flatten drops transparency by compositing onto white
func flatten(src image.Image) image.Image {
	if _, ok := src.(*image.YCbCr); ok {
		return src
	}
	if _, ok := src.(*image.Gray); ok {
		return src
	}
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

func transcodedName(path string) string {
	dir, name := filepath.Split(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if strings.HasSuffix(stem, compressedSuffix) {
		return path
	}
	return filepath.Join(dir, stem+compressedSuffix+".jpg")
}
