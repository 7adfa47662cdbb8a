package core

const AVG_COUNT uint8 = 30

// FrameStats keeps a rolling frame time average and a frames-per-second
// counter. It is owned by the engine loop.
type FrameStats struct {
	frameAVGCounter    uint8
	msTimes            [AVG_COUNT]float64
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
	total              uint64
}

func NewFrameStats() *FrameStats {
	return &FrameStats{}
}

// Update records one frame that took frameElapsed seconds.
func (s *FrameStats) Update(frameElapsed float64) {
	frameMS := frameElapsed * 1000.0
	s.msTimes[s.frameAVGCounter] = frameMS
	if s.frameAVGCounter == AVG_COUNT-1 {
		s.msAvg = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			s.msAvg += s.msTimes[i]
		}
		s.msAvg /= float64(AVG_COUNT)
	}
	s.frameAVGCounter++
	s.frameAVGCounter %= AVG_COUNT

	s.accumulatedFrameMS += frameMS
	if s.accumulatedFrameMS > 1000 {
		s.fps = float64(s.frames)
		s.accumulatedFrameMS -= 1000
		s.frames = 0
	}

	s.frames++
	s.total++
}

func (s *FrameStats) FPS() float64 {
	return s.fps
}

// FrameTime is the average frame time in milliseconds over the last
// AVG_COUNT frames.
func (s *FrameStats) FrameTime() float64 {
	return s.msAvg
}

func (s *FrameStats) Total() uint64 {
	return s.total
}
