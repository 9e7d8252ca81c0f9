package land

// autoDirtyTracker decides between dirty-field extraction and full-snapshot
// extraction from an exponential moving average of the dirty ratio. Two
// thresholds with a forced gap give hysteresis, and the average must sit
// beyond a threshold for minSamples consecutive cycles before the mode
// switches, so a single spike cannot flap it.
type autoDirtyTracker struct {
	onThreshold  float64
	offThreshold float64
	minSamples   int
	alpha        float64

	ema       float64
	seeded    bool
	streak    int
	dirtyMode bool
}

// newAutoDirtyTracker clamps the thresholds to keep at least 0.01 of
// separation and starts in the given mode.
func newAutoDirtyTracker(on, off float64, minSamples int, startDirty bool) *autoDirtyTracker {
	if off < on+0.01 {
		off = on + 0.01
	}
	if minSamples < 1 {
		minSamples = 1
	}
	return &autoDirtyTracker{
		onThreshold:  on,
		offThreshold: off,
		minSamples:   minSamples,
		alpha:        2.0 / float64(minSamples+1),
		dirtyMode:    startDirty,
	}
}

// observe feeds one sync cycle's dirty ratio. Cycles with no sync fields are
// ignored. The crossing streak resets whenever the average falls back inside
// the hysteresis band, so only minSamples consecutive crossings switch the
// mode.
func (a *autoDirtyTracker) observe(dirtyFields, totalFields int) {
	if totalFields <= 0 {
		return
	}
	ratio := float64(dirtyFields) / float64(totalFields)

	if !a.seeded {
		a.ema = ratio
		a.seeded = true
	} else {
		a.ema = a.alpha*ratio + (1-a.alpha)*a.ema
	}

	if a.dirtyMode {
		if a.ema >= a.offThreshold {
			a.streak++
		} else {
			a.streak = 0
		}
		if a.streak >= a.minSamples {
			a.dirtyMode = false
			a.streak = 0
		}
		return
	}

	if a.ema <= a.onThreshold {
		a.streak++
	} else {
		a.streak = 0
	}
	if a.streak >= a.minSamples {
		a.dirtyMode = true
		a.streak = 0
	}
}

// useDirtyTracking reports the current extraction mode.
func (a *autoDirtyTracker) useDirtyTracking() bool {
	return a.dirtyMode
}
