package indicator

import (
	"fmt"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Snapshot value names.
const (
	EMAFast    = "EMA_FAST"
	EMASlow    = "EMA_SLOW"
	RSIName    = "RSI"
	ATRName    = "ATR"
	ATRMA      = "ATR_MA"
	ADXName    = "ADX"
	PlusDI     = "PLUS_DI"
	MinusDI    = "MINUS_DI"
	MACDLine   = "MACD"
	MACDSignal = "MACD_SIGNAL"
	MACDHist   = "MACD_HIST"
	BBUpper    = "BB_UPPER"
	BBMiddle   = "BB_MIDDLE"
	BBLower    = "BB_LOWER"
	VolumeMA   = "VOLUME_MA"
	Close      = "CLOSE"
)

// Config holds indicator periods.
type Config struct {
	EMAFast    int
	EMASlow    int
	RSI        int
	ATR        int
	ATRMA      int
	ADX        int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	BBPeriod   int
	BBStdDev   float64
	VolumeMA   int
}

// DefaultConfig returns the periods the balanced strategy was tuned with.
func DefaultConfig() Config {
	return Config{
		EMAFast:    8,
		EMASlow:    25,
		RSI:        14,
		ATR:        14,
		ATRMA:      20,
		ADX:        14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		BBPeriod:   20,
		BBStdDev:   2,
		VolumeMA:   20,
	}
}

// Engine computes indicator snapshots from candle windows.
//
// Compute holds no state between calls: every call builds fresh indicator
// instances and replays the window, so live and replayed flows produce
// bit-identical snapshots for identical input.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine. Zero-valued periods fall back to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	fill := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&cfg.EMAFast, def.EMAFast)
	fill(&cfg.EMASlow, def.EMASlow)
	fill(&cfg.RSI, def.RSI)
	fill(&cfg.ATR, def.ATR)
	fill(&cfg.ATRMA, def.ATRMA)
	fill(&cfg.ADX, def.ADX)
	fill(&cfg.MACDFast, def.MACDFast)
	fill(&cfg.MACDSlow, def.MACDSlow)
	fill(&cfg.MACDSignal, def.MACDSignal)
	fill(&cfg.BBPeriod, def.BBPeriod)
	fill(&cfg.VolumeMA, def.VolumeMA)
	if cfg.BBStdDev <= 0 {
		cfg.BBStdDev = def.BBStdDev
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// WarmupBars is the minimum history after which every value is ready.
func (e *Engine) WarmupBars() int {
	c := e.cfg
	n := c.EMASlow
	for _, v := range []int{
		c.EMAFast,
		c.RSI + 1,
		c.ATR + c.ATRMA - 1,
		2 * c.ADX,
		c.MACDSlow + c.MACDSignal - 1,
		c.BBPeriod,
		c.VolumeMA,
	} {
		if v > n {
			n = v
		}
	}
	// one extra bar so Prev is ready as well
	return n + 1
}

// set is one fresh instance of every indicator.
type set struct {
	emaFast *EMA
	emaSlow *EMA
	rsi     *RSI
	atr     *ATR
	atrMA   *SMA
	adx     *ADX
	macd    *MACD
	bb      *Bollinger
	volMA   *SMA
}

func (e *Engine) newSet() *set {
	c := e.cfg
	return &set{
		emaFast: NewEMA(EMAFast, c.EMAFast),
		emaSlow: NewEMA(EMASlow, c.EMASlow),
		rsi:     NewRSI(RSIName, c.RSI),
		atr:     NewATR(ATRName, c.ATR),
		atrMA:   NewSMAOf(ATRMA, c.ATRMA, nil),
		adx:     NewADX(c.ADX),
		macd:    NewMACD(c.MACDFast, c.MACDSlow, c.MACDSignal),
		bb:      NewBollinger(c.BBPeriod, c.BBStdDev),
		volMA:   NewSMAOf(VolumeMA, c.VolumeMA, VolumeSource),
	}
}

func (s *set) update(c model.Candle) {
	s.emaFast.Update(c)
	s.emaSlow.Update(c)
	s.rsi.Update(c)
	s.atr.Update(c)
	if s.atr.Ready() {
		s.atrMA.Add(s.atr.Value())
	}
	s.adx.Update(c)
	s.macd.Update(c)
	s.bb.Update(c)
	s.volMA.Update(c)
}

// values captures the current readings in a fixed-size array indexed by slot.
func (s *set) values(close float64) values {
	var v values
	put := func(i int, x float64, ok bool) {
		v.val[i] = x
		v.ok[i] = ok
	}
	put(slotEMAFast, s.emaFast.Value(), s.emaFast.Ready())
	put(slotEMASlow, s.emaSlow.Value(), s.emaSlow.Ready())
	put(slotRSI, s.rsi.Value(), s.rsi.Ready())
	put(slotATR, s.atr.Value(), s.atr.Ready())
	put(slotATRMA, s.atrMA.Value(), s.atrMA.Ready())
	put(slotADX, s.adx.Value(), s.adx.Ready())
	put(slotPlusDI, s.adx.PlusDI(), s.adx.DIReady())
	put(slotMinusDI, s.adx.MinusDI(), s.adx.DIReady())
	put(slotMACD, s.macd.Value(), s.macd.Ready())
	put(slotMACDSignal, s.macd.Signal(), s.macd.Ready())
	put(slotMACDHist, s.macd.Hist(), s.macd.Ready())
	put(slotBBUpper, s.bb.Upper(), s.bb.Ready())
	put(slotBBMiddle, s.bb.Value(), s.bb.Ready())
	put(slotBBLower, s.bb.Lower(), s.bb.Ready())
	put(slotVolumeMA, s.volMA.Value(), s.volMA.Ready())
	put(slotClose, close, true)
	return v
}

const (
	slotEMAFast = iota
	slotEMASlow
	slotRSI
	slotATR
	slotATRMA
	slotADX
	slotPlusDI
	slotMinusDI
	slotMACD
	slotMACDSignal
	slotMACDHist
	slotBBUpper
	slotBBMiddle
	slotBBLower
	slotVolumeMA
	slotClose
	numSlots
)

var slotByName = map[string]int{
	EMAFast: slotEMAFast, EMASlow: slotEMASlow, RSIName: slotRSI,
	ATRName: slotATR, ATRMA: slotATRMA, ADXName: slotADX,
	PlusDI: slotPlusDI, MinusDI: slotMinusDI, MACDLine: slotMACD,
	MACDSignal: slotMACDSignal, MACDHist: slotMACDHist, BBUpper: slotBBUpper,
	BBMiddle: slotBBMiddle, BBLower: slotBBLower, VolumeMA: slotVolumeMA,
	Close: slotClose,
}

// Names lists every snapshot value name in slot order.
func Names() []string {
	out := make([]string, numSlots)
	for name, i := range slotByName {
		out[i] = name
	}
	return out
}

type values struct {
	val [numSlots]float64
	ok  [numSlots]bool
}

// Snapshot holds indicator values for the latest candle of a window and the
// candle before it.
type Snapshot struct {
	TS   time.Time
	Bars int

	cur  values
	prev values
}

// Compute replays candles through fresh indicators and returns the snapshot
// for the last candle. An empty window yields a snapshot where nothing is ready.
func (e *Engine) Compute(candles []model.Candle) Snapshot {
	s := e.newSet()
	var snap Snapshot
	for i, c := range candles {
		snap.prev = snap.cur
		s.update(c)
		snap.cur = s.values(c.Close)
		if i == len(candles)-1 {
			snap.TS = c.TS
		}
	}
	snap.Bars = len(candles)
	if len(candles) < 2 {
		snap.prev = values{}
	}
	return snap
}

func lookup(v *values, name string) (float64, error) {
	i, ok := slotByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown indicator %q", name)
	}
	if !v.ok[i] {
		return 0, fmt.Errorf("%s: %w", name, ErrNotReady)
	}
	return v.val[i], nil
}

// Get returns the value of name for the latest candle, or ErrNotReady.
func (s Snapshot) Get(name string) (float64, error) { return lookup(&s.cur, name) }

// Prev returns the value of name for the candle before the latest one.
func (s Snapshot) Prev(name string) (float64, error) { return lookup(&s.prev, name) }

// Ready reports whether every value is available for both the latest and
// previous candle.
func (s Snapshot) Ready() bool {
	for i := 0; i < numSlots; i++ {
		if !s.cur.ok[i] || !s.prev.ok[i] {
			return false
		}
	}
	return true
}

// Must returns the value of name, or 0 when not ready. Only valid after
// Ready() reported true.
func (s Snapshot) Must(name string) float64 {
	v, _ := s.Get(name)
	return v
}

// MustPrev is the Prev counterpart of Must.
func (s Snapshot) MustPrev(name string) float64 {
	v, _ := s.Prev(name)
	return v
}

// Map returns the ready values keyed by name, for logging and events.
func (s Snapshot) Map() map[string]float64 {
	out := make(map[string]float64, numSlots)
	for name, i := range slotByName {
		if s.cur.ok[i] {
			out[name] = s.cur.val[i]
		}
	}
	return out
}
