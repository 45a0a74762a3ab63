package audio

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice 系统默认麦克风，单声道 16-bit
type PortAudioDevice struct {
	sampleRate int
	frames     int
	buf        []int16
	stream     *portaudio.Stream
}

func NewPortAudioDevice(sampleRate, frames int) *PortAudioDevice {
	return &PortAudioDevice{sampleRate: sampleRate, frames: frames}
}

func (d *PortAudioDevice) Open(ctx context.Context) error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return err
	}
	logger.Infof("[Capture] 使用输入设备: %s", device.Name)

	d.buf = make([]int16, d.frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), d.frames, d.buf)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if err = stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return err
	}

	d.stream = stream
	return nil
}

func (d *PortAudioDevice) ReadChunk(ctx context.Context) ([]byte, error) {
	if err := d.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, err
		}
		logger.Debugf("[Capture] 输入缓冲溢出")
	}

	out := make([]byte, len(d.buf)*2)
	for i, s := range d.buf {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (d *PortAudioDevice) Close() error {
	if d.stream == nil {
		return nil
	}

	err := d.stream.Stop()
	if closeErr := d.stream.Close(); err == nil {
		err = closeErr
	}
	d.stream = nil

	if termErr := portaudio.Terminate(); err == nil {
		err = termErr
	}
	return err
}
