package congestion

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxLevel is the highest congestion level.
const MaxLevel = 3

// DefaultSmoothing is the default weight of a new delay sample.
const DefaultSmoothing = 0.5

// ErrInvalidThresholds indicates thresholds that are not ascending, negative,
// or whose descending value exceeds the ascending one.
var ErrInvalidThresholds = errors.New("invalid congestion thresholds")

// Thresholds holds the delay thresholds in seconds.
type Thresholds struct {
	Ascending  [MaxLevel]float64 `yaml:"ascending"`
	Descending [MaxLevel]float64 `yaml:"descending"`
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Ascending:  [MaxLevel]float64{2.5, 8, 14},
		Descending: [MaxLevel]float64{1.5, 5.5, 10},
	}
}

// Validate checks ordering and hysteresis constraints.
func (t Thresholds) Validate() error {
	for i := 0; i < MaxLevel; i++ {
		if t.Ascending[i] < 0 || t.Descending[i] < 0 {
			return fmt.Errorf("%w: negative threshold at level %d", ErrInvalidThresholds, i+1)
		}
		if t.Descending[i] > t.Ascending[i] {
			return fmt.Errorf("%w: descending %.3f > ascending %.3f at level %d",
				ErrInvalidThresholds, t.Descending[i], t.Ascending[i], i+1)
		}
		if i > 0 && (t.Ascending[i] < t.Ascending[i-1] || t.Descending[i] < t.Descending[i-1]) {
			return fmt.Errorf("%w: thresholds not ascending at level %d", ErrInvalidThresholds, i+1)
		}
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithSmoothing sets the weight (0 < alpha <= 1) of each new sample in the
// moving delay estimate. 1 uses the latest sample only.
func WithSmoothing(alpha float64) Option {
	return func(c *Controller) {
		if alpha > 0 && alpha <= 1 {
			c.alpha = alpha
		}
	}
}

// Controller tracks the congestion level of one association.
// It is safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	thresholds Thresholds
	alpha      float64

	level    int
	estimate float64 // seconds
	primed   bool
}

// NewController creates a controller at level 0.
func NewController(t Thresholds, opts ...Option) (*Controller, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		thresholds: t,
		alpha:      DefaultSmoothing,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Record feeds one observed send delay and returns the level before and
// after the update. The level moves at most one step per call.
func (c *Controller) Record(delay time.Duration) (oldLevel, newLevel int, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sample := delay.Seconds()
	if sample < 0 {
		sample = 0
	}
	if !c.primed {
		c.estimate = sample
		c.primed = true
	} else {
		c.estimate = c.alpha*sample + (1-c.alpha)*c.estimate
	}

	oldLevel = c.level
	switch {
	case c.level < MaxLevel && c.estimate > c.thresholds.Ascending[c.level]:
		c.level++
	case c.level > 0 && c.estimate < c.thresholds.Descending[c.level-1]:
		c.level--
	}
	return oldLevel, c.level, oldLevel != c.level
}

// Level returns the current congestion level.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Estimate returns the current smoothed delay estimate.
func (c *Controller) Estimate() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.estimate * float64(time.Second))
}

// SetThresholds replaces the thresholds. The current level is kept and
// re-evaluated on the next sample.
func (c *Controller) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = t
	return nil
}

// Reset returns the controller to level 0 with no delay history.
// Called when an association reconnects.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = 0
	c.estimate = 0
	c.primed = false
}
