package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FFT size - must be power of 2
	fftSize = 2048
	// Number of frequency bands to output
	numBands = 128
	// Smoothing factor for temporal smoothing
	smoothingFactor = 0.5

	minBandFreq = 20.0
	maxBandFreq = 20000.0
	dbFloor     = -60.0
)

// AudioDataCallback is called when new audio analysis data is ready
type AudioDataCallback func(bands []uint8)

// Analyzer turns the mixed output into log-spaced frequency bands and an RMS level.
type Analyzer struct {
	mu sync.RWMutex

	fft    *fourier.FFT
	window []float64

	// Ring of mono samples, fftSize long
	ring  []float64
	index int

	// Scratch space reused for every FFT
	windowed []float64
	coeffs   []complex128
	binBand  []int

	bands    []float64
	smoothed []float64
	level    float64

	callback AudioDataCallback
}

// NewAnalyzer creates an analyzer for the given sample rate
func NewAnalyzer(sampleRate int) *Analyzer {
	// Hann window
	window := make([]float64, fftSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}

	return &Analyzer{
		fft:      fourier.NewFFT(fftSize),
		window:   window,
		ring:     make([]float64, fftSize),
		windowed: make([]float64, fftSize),
		coeffs:   make([]complex128, fftSize/2+1),
		binBand:  bandLayout(sampleRate),
		bands:    make([]float64, numBands),
		smoothed: make([]float64, numBands),
	}
}

// bandLayout maps each FFT bin to a logarithmic band, or -1 outside 20 Hz - 20 kHz.
func bandLayout(sampleRate int) []int {
	layout := make([]int, fftSize/2)
	maxFreq := maxBandFreq
	if nyq := float64(sampleRate) / 2; nyq < maxFreq {
		maxFreq = nyq
	}
	logMin := math.Log10(minBandFreq)
	logRange := math.Log10(maxFreq) - logMin
	freqPerBin := float64(sampleRate) / float64(fftSize)

	for bin := range layout {
		freq := float64(bin) * freqPerBin
		if bin == 0 || freq < minBandFreq || freq > maxFreq {
			layout[bin] = -1
			continue
		}
		band := int((math.Log10(freq) - logMin) / logRange * numBands)
		if band >= numBands {
			band = numBands - 1
		}
		layout[bin] = band
	}
	return layout
}

// ProcessFrames feeds mixed stereo frames into the analyzer.
func (a *Analyzer) ProcessFrames(frames [][2]float32) {
	if len(frames) == 0 {
		return
	}

	var notify []uint8

	a.mu.Lock()
	var sumSquares float64
	for _, f := range frames {
		mono := (float64(f[0]) + float64(f[1])) / 2
		sumSquares += mono * mono

		a.ring[a.index] = mono
		a.index = (a.index + 1) % fftSize

		// When the ring wraps we have a full window
		if a.index == 0 {
			a.computeFFT()
			if a.callback != nil {
				notify = a.bytesLocked()
			}
		}
	}
	a.level = math.Min(1, math.Sqrt(sumSquares/float64(len(frames))))
	callback := a.callback
	a.mu.Unlock()

	// Call callback outside of lock
	if notify != nil && callback != nil {
		callback(notify)
	}
}

func (a *Analyzer) computeFFT() {
	for i := 0; i < fftSize; i++ {
		// Oldest sample first
		a.windowed[i] = a.ring[(a.index+i)%fftSize] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.windowed)

	counts := make([]int, numBands)
	for i := range a.bands {
		a.bands[i] = 0
	}

	for bin, band := range a.binBand {
		if band < 0 {
			continue
		}
		c := a.coeffs[bin]
		magnitude := math.Hypot(real(c), imag(c))

		// -60 dB .. 0 dB mapped onto 0..255
		db := 20 * math.Log10(magnitude/fftSize+1e-10)
		normalized := (db - dbFloor) / -dbFloor * 255
		a.bands[band] += math.Max(0, math.Min(255, normalized))
		counts[band]++
	}

	for i := range a.bands {
		if counts[i] > 0 {
			a.bands[i] /= float64(counts[i])
		}
	}

	// Spread 30% into neighbours so bands without bins are not empty
	for i := range a.smoothed {
		spread := a.bands[i]
		if i > 0 {
			spread += a.bands[i-1] * 0.3
		}
		if i < numBands-1 {
			spread += a.bands[i+1] * 0.3
		}
		spread = math.Min(255, spread)
		a.smoothed[i] = smoothingFactor*a.smoothed[i] + (1-smoothingFactor)*spread
	}
}

func (a *Analyzer) bytesLocked() []uint8 {
	out := make([]uint8, numBands)
	for i, v := range a.smoothed {
		out[i] = uint8(math.Max(0, math.Min(255, v)))
	}
	return out
}

// Bands returns the current frequency bands (0-255)
func (a *Analyzer) Bands() []uint8 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bytesLocked()
}

// Level returns the RMS level of the last processed block
func (a *Analyzer) Level() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.level
}

// SetCallback registers a callback that runs whenever a new FFT frame is ready
func (a *Analyzer) SetCallback(cb AudioDataCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = cb
}

// Reset clears the analyzer state
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.index = 0
	a.level = 0
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.bands {
		a.bands[i] = 0
		a.smoothed[i] = 0
	}
}
