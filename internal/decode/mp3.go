package decode

import (
	"context"
	"os"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
)

// MP3Decoder decodes MPEG layer III files in-process.
type MP3Decoder struct{}

// Decode returns a streaming decoder; the file is closed with the stream.
func (MP3Decoder) Decode(ctx context.Context, path string, _ int) (beep.StreamCloser, beep.Format, error) {
	if err := ctx.Err(); err != nil {
		return nil, beep.Format{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}
	stream, format, err := mp3.Decode(file)
	if err != nil {
		file.Close()
		return nil, beep.Format{}, err
	}
	return stream, format, nil
}
