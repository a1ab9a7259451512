// Package control is the caller-side layer over a display session: it turns
// scalars in [0,1] into raw VCP values using each display's reported maximum and
// fans changes out across displays.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"monctl/internal/ddc"
	"monctl/internal/session"
)

// ErrNoMax is returned when a display reports a maximum of zero for a feature
var ErrNoMax = errors.New("display reported no maximum")

type cacheKey struct {
	display string
	vcp     ddc.VCP
}

// Controller coordinates normalized reads and writes
type Controller struct {
	mu      sync.Mutex
	session *session.Session
	max     map[cacheKey]uint16

	// Callbacks for UI notifications
	onChange func(displayID string, vcp ddc.VCP, value float64)
	onError  func(error)

	log zerolog.Logger
}

// New creates a Controller on top of s
func New(s *session.Session, logger zerolog.Logger) *Controller {
	return &Controller{
		session: s,
		max:     make(map[cacheKey]uint16),
		log:     logger.With().Str("component", "control").Logger(),
	}
}

// SetOnChange sets the callback for accepted set requests
func (c *Controller) SetOnChange(callback func(displayID string, vcp ddc.VCP, value float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = callback
}

// SetOnError sets the callback for failed operations
func (c *Controller) SetOnError(callback func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Scale maps value in [0,1] onto [0,max] with rounding
func Scale(value float64, max uint16) uint16 {
	if math.IsNaN(value) || value <= 0 {
		return 0
	}
	if value >= 1 {
		return max
	}
	return uint16(math.Round(value * float64(max)))
}

func (c *Controller) handle(displayID string) (session.Handle, error) {
	h, ok := c.session.Lookup(displayID)
	if !ok {
		return session.Handle{}, fmt.Errorf("%w: %s", session.ErrDisplayNotFound, displayID)
	}
	return h, nil
}

// Get reads vcp from a display and returns the normalized value with the raw reply.
// The reported maximum is remembered for later Set calls.
func (c *Controller) Get(ctx context.Context, displayID string, vcp ddc.VCP) (float64, ddc.Reply, error) {
	h, err := c.handle(displayID)
	if err != nil {
		return 0, ddc.Reply{}, err
	}
	r, err := c.session.Read(ctx, h, vcp)
	if err != nil {
		c.fail(fmt.Errorf("get %s on %s: %w", vcp, displayID, err))
		return 0, ddc.Reply{}, err
	}

	c.mu.Lock()
	c.max[cacheKey{displayID, vcp}] = r.Max
	c.mu.Unlock()

	return r.Normalized(), r, nil
}

func (c *Controller) maxFor(ctx context.Context, displayID string, vcp ddc.VCP) (uint16, error) {
	c.mu.Lock()
	m, ok := c.max[cacheKey{displayID, vcp}]
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	_, r, err := c.Get(ctx, displayID, vcp)
	if err != nil {
		return 0, err
	}
	return r.Max, nil
}

// Set requests vcp = round(value*max) on a display. The maximum is read from the
// display the first time. The write itself is coalesced and happens in the
// background.
func (c *Controller) Set(ctx context.Context, displayID string, vcp ddc.VCP, value float64) error {
	m, err := c.maxFor(ctx, displayID, vcp)
	if err != nil {
		return err
	}
	if m == 0 {
		err := fmt.Errorf("%w: %s on %s", ErrNoMax, vcp, displayID)
		c.fail(err)
		return err
	}
	if err := c.SetRaw(displayID, vcp, Scale(value, m)); err != nil {
		return err
	}

	c.mu.Lock()
	onChange := c.onChange
	c.mu.Unlock()
	if onChange != nil {
		onChange(displayID, vcp, value)
	}
	return nil
}

// SetRaw requests a raw 16-bit value without any scaling
func (c *Controller) SetRaw(displayID string, vcp ddc.VCP, value uint16) error {
	h, err := c.handle(displayID)
	if err != nil {
		return err
	}
	if err := c.session.RequestWrite(h, vcp, value); err != nil {
		c.fail(fmt.Errorf("set %s on %s: %w", vcp, displayID, err))
		return err
	}
	c.log.Debug().Str("display", displayID).Stringer("vcp", vcp).Uint16("value", value).Msg("write requested")
	return nil
}

// SetAll applies v to vcp on every attached display in parallel. Displays that
// fail do not stop the others; their errors are joined.
func (c *Controller) SetAll(ctx context.Context, vcp ddc.VCP, v Value) error {
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error

	for _, info := range c.session.Displays() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.Apply(ctx, id, vcp, v); err != nil {
				c.log.Warn().Err(err).Str("display", id).Msg("set failed")
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				errMu.Unlock()
			}
		}(info.Display.ID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Sync refreshes the attached displays after a hot-plug and forgets cached
// maxima of displays that went away.
func (c *Controller) Sync(displays []session.Display) error {
	err := c.session.Sync(displays)

	present := make(map[string]bool)
	for _, info := range c.session.Displays() {
		present[info.Display.ID] = true
	}
	c.mu.Lock()
	for k := range c.max {
		if !present[k.display] {
			delete(c.max, k)
		}
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}
