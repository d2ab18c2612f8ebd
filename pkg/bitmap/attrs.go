package bitmap

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/log"

	"github.com/calvinalkan/writeintent/pkg/dlm"
)

// Controller owns the bitmap configuration of one array and the active
// Bitmap, if any. It backs the attribute surface: every tunable is exposed
// as a short ASCII name/value pair, read with [Controller.Attr] and written
// with validation through [Controller.SetAttr].
type Controller struct {
	mu     sync.Mutex
	array  Array
	locks  dlm.LockSpace
	logger log.Logger

	info   Info
	bitmap *Bitmap
}

// NewController returns a controller with default tunables and no active
// bitmap.
func NewController(array Array, locks dlm.LockSpace, logger log.Logger) *Controller {
	if logger == nil {
		logger = log.Base()
	}

	if locks == nil {
		locks = dlm.NewLocal()
	}

	return &Controller{
		array:  array,
		locks:  locks,
		logger: logger,
		info: Info{
			DaemonSleep: defaultDaemonSleep,
		},
	}
}

// Bitmap returns the active bitmap, or nil.
func (c *Controller) Bitmap() *Bitmap {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bitmap
}

// Info returns a copy of the current configuration.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.info
}

// AttrNames lists the attributes the surface exposes.
func AttrNames() []string {
	return []string{
		"location", "space", "time_base", "backlog", "chunksize",
		"metadata", "can_clear", "max_backlog_used",
	}
}

// Attr reads one attribute as its short ASCII rendering.
func (c *Controller) Attr(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case "location":
		if c.info.Offset != 0 {
			return fmt.Sprintf("%+d", c.info.Offset), nil
		}

		return "none", nil
	case "space":
		return strconv.FormatUint(c.info.Space, 10), nil
	case "time_base":
		secs := c.info.DaemonSleep / time.Second
		rem := c.info.DaemonSleep % time.Second

		if rem == 0 {
			return strconv.FormatInt(int64(secs), 10), nil
		}

		return fmt.Sprintf("%d.%03d", secs, rem/time.Millisecond), nil
	case "backlog":
		return strconv.FormatUint(uint64(c.info.MaxWriteBehind), 10), nil
	case "chunksize":
		return strconv.FormatUint(uint64(c.info.Chunksize), 10), nil
	case "metadata":
		if c.info.External {
			return "external", nil
		}

		return "internal", nil
	case "can_clear":
		if c.bitmap == nil {
			return "", nil
		}

		c.bitmap.counts.mu.Lock()
		needSync := c.bitmap.needSync
		c.bitmap.counts.mu.Unlock()

		if needSync {
			return "false", nil
		}

		return "true", nil
	case "max_backlog_used":
		if c.bitmap == nil {
			return "0", nil
		}

		return strconv.FormatInt(c.bitmap.BehindWritesUsed(), 10), nil
	default:
		return "", fmt.Errorf("attribute %q: %w", name, ErrNotFound)
	}
}

// SetAttr validates and applies one attribute write.
func (c *Controller) SetAttr(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value = strings.TrimSpace(value)

	switch name {
	case "location":
		return c.storeLocation(value)
	case "space":
		return c.storeSpace(value)
	case "time_base":
		return c.storeTimeBase(value)
	case "backlog":
		return c.storeBacklog(value)
	case "chunksize":
		return c.storeChunksize(value)
	case "metadata":
		return c.storeMetadata(value)
	case "can_clear":
		return c.storeCanClear(value)
	case "max_backlog_used":
		// Any write resets the high-water mark.
		if c.bitmap != nil {
			c.bitmap.ResetBehindWritesUsed()
		}

		return nil
	default:
		return fmt.Errorf("attribute %q: %w", name, ErrNotFound)
	}
}

func (c *Controller) storeLocation(value string) error {
	if c.array.Syncing() {
		return fmt.Errorf("location: resync running: %w", ErrBusy)
	}

	if c.bitmap != nil || c.info.Offset != 0 {
		// Bitmap already configured. Only option is to clear it.
		if value != "none" {
			return fmt.Errorf("location: bitmap already configured: %w", ErrBusy)
		}

		if c.bitmap != nil {
			c.array.Quiesce(true)
			err := c.bitmap.Destroy()
			c.array.Quiesce(false)

			c.bitmap = nil

			if err != nil {
				return fmt.Errorf("location: destroy: %w", err)
			}
		}

		c.info.Offset = 0

		return nil
	}

	switch {
	case value == "none":
		// Nothing to be done.
		return nil
	case strings.HasPrefix(value, "file:"):
		return fmt.Errorf("location %q: %w", value, ErrUnsupported)
	default:
		offset, err := strconv.ParseInt(strings.TrimPrefix(value, "+"), 10, 64)
		if err != nil {
			return fmt.Errorf("location %q: %w", value, ErrInvalidInput)
		}

		if offset == 0 {
			return fmt.Errorf("location: offset 0: %w", ErrInvalidInput)
		}

		c.info.Offset = offset

		err = c.activateLocked()
		if err != nil {
			c.info.Offset = 0
			return err
		}

		return nil
	}
}

// activateLocked creates and loads a bitmap for the configured location,
// destroying it again on failure.
func (c *Controller) activateLocked() error {
	c.array.Quiesce(true)
	defer c.array.Quiesce(false)

	b, err := New(Options{
		Array:          c.array,
		Offset:         c.info.Offset,
		Space:          c.info.Space,
		Chunksize:      c.info.Chunksize,
		DaemonSleep:    c.info.DaemonSleep,
		MaxWriteBehind: c.info.MaxWriteBehind,
		External:       c.info.External,
		Nodes:          c.info.Nodes,
		Locks:          c.locks,
		Logger:         c.logger,
	})
	if err != nil {
		return fmt.Errorf("location: create: %w", err)
	}

	err = b.Load()
	if err != nil {
		destroyErr := b.Destroy()
		if destroyErr != nil {
			c.logger.Errorf("destroy after failed load: %v", destroyErr)
		}

		return fmt.Errorf("location: load: %w", err)
	}

	// Import what the superblock provided.
	c.info = *b.Info()
	c.bitmap = b

	return nil
}

func (c *Controller) storeSpace(value string) error {
	sectors, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("space %q: %w", value, ErrInvalidInput)
	}

	if sectors == 0 {
		return fmt.Errorf("space 0: %w", ErrInvalidInput)
	}

	if c.bitmap != nil && sectors < (c.bitmap.storage.bytes+511)>>9 {
		// Bitmap is too big for this small space.
		return fmt.Errorf("space %d smaller than active image: %w", sectors, ErrInvalidInput)
	}

	c.info.Space = sectors

	if c.bitmap != nil {
		c.bitmap.info.Space = sectors
	}

	return nil
}

func (c *Controller) storeTimeBase(value string) error {
	// Seconds with up to 4 decimals.
	scaled, err := parseScaled(value, 4)
	if err != nil {
		return fmt.Errorf("time_base %q: %w", value, ErrInvalidInput)
	}

	timeout := time.Duration(scaled) * time.Second / 10000

	if timeout >= maxDaemonSleep {
		timeout = maxDaemonSleep - time.Second
	}

	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}

	c.info.DaemonSleep = timeout

	if c.bitmap != nil {
		c.bitmap.SetDaemonSleep(timeout)
	}

	return nil
}

func (c *Controller) storeBacklog(value string) error {
	backlog, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("backlog %q: %w", value, ErrInvalidInput)
	}

	if backlog > CounterMax {
		return fmt.Errorf("backlog %d out of range (0 - %d): %w", backlog, CounterMax, ErrInvalidInput)
	}

	c.info.MaxWriteBehind = uint32(backlog)

	if c.bitmap != nil {
		c.bitmap.info.MaxWriteBehind = uint32(backlog)
	}

	return nil
}

func (c *Controller) storeChunksize(value string) error {
	// Can only be changed when no bitmap is active.
	if c.bitmap != nil {
		return fmt.Errorf("chunksize: %w", ErrBusy)
	}

	csize, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("chunksize %q: %w", value, ErrInvalidInput)
	}

	if csize < 512 || bits.OnesCount64(csize) != 1 {
		return fmt.Errorf("chunksize %d: %w", csize, ErrInvalidInput)
	}

	c.info.Chunksize = uint32(csize)

	return nil
}

func (c *Controller) storeMetadata(value string) error {
	if c.bitmap != nil || c.info.Offset != 0 {
		return fmt.Errorf("metadata: %w", ErrBusy)
	}

	switch value {
	case "external":
		c.info.External = true
	case "internal":
		c.info.External = false
	default:
		return fmt.Errorf("metadata %q: %w", value, ErrInvalidInput)
	}

	return nil
}

func (c *Controller) storeCanClear(value string) error {
	if c.bitmap == nil {
		return fmt.Errorf("can_clear: no bitmap: %w", ErrNotFound)
	}

	switch value {
	case "false":
		c.bitmap.counts.mu.Lock()
		c.bitmap.needSync = true
		c.bitmap.counts.mu.Unlock()
	case "true":
		if c.array.Degraded() {
			return fmt.Errorf("can_clear: array degraded: %w", ErrBusy)
		}

		c.bitmap.counts.mu.Lock()
		c.bitmap.needSync = false
		c.bitmap.counts.mu.Unlock()
	default:
		return fmt.Errorf("can_clear %q: %w", value, ErrInvalidInput)
	}

	return nil
}

// parseScaled parses a non-negative decimal with up to scale fractional
// digits, returning the value multiplied by 10^scale.
func parseScaled(s string, scale int) (uint64, error) {
	intPart, fracPart, hasFrac := strings.Cut(s, ".")

	if intPart == "" {
		return 0, fmt.Errorf("empty integer part")
	}

	val, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return 0, err
	}

	for i := 0; i < scale; i++ {
		val *= 10

		if hasFrac && i < len(fracPart) {
			d := fracPart[i]
			if d < '0' || d > '9' {
				return 0, fmt.Errorf("bad digit %q", d)
			}

			val += uint64(d - '0')
		}
	}

	if hasFrac && len(fracPart) > scale {
		return 0, fmt.Errorf("more than %d decimals", scale)
	}

	return val, nil
}
