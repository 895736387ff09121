// Package media builds and supervises the GStreamer graph that turns an
// RTSP source (or, absent a URL, a synthetic test pattern) into a stream of
// access-unit-aligned Annex-B H.264 buffers, with a single dynamically
// adjustable bitrate knob abstracting over hardware/software encoder unit
// conventions.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/robotstream/gateway/internal/logging"
)

// Mode is the graph shape chosen at build time from config and platform.
type Mode string

const (
	ModeTest        Mode = "test"
	ModePassthrough Mode = "passthrough"
	ModeReencodeSW  Mode = "reencode_sw"
	ModeReencodeHW  Mode = "reencode_hw"
)

type workerState string

const (
	stateBuilding workerState = "building"
	statePlaying  workerState = "playing"
	stateFaulted  workerState = "faulted"
	stateBackoff  workerState = "backoff"
)

const (
	busPollTimeout   = 500 * time.Millisecond
	backoffSlice     = 100 * time.Millisecond
	testWidth        = 1280
	testHeight       = 720
	testFPS          = 30
)

// Config is everything the pipeline needs to pick a mode and build its
// graph; it is the media-facing slice of config.AppConfig.
type Config struct {
	URL                  string
	Transport            string
	LatencyMs            int
	ReconnectIntervalMs  int
	ReconnectMaxAttempts int

	TestBuild bool

	HWEncode     bool
	Passthrough  bool
	Preset       string
	IDRInterval  int
	InsertSPSPPS bool

	PayloadType    int
	BitrateKbps    int
	MinBitrateKbps int
	MaxBitrateKbps int
}

// NalSinkFunc receives one access-unit-aligned Annex-B buffer and its
// presentation timestamp in microseconds.
type NalSinkFunc func(buf []byte, ptsUs uint64)

// Stats is a snapshot of the pipeline's counters (spec §3, §4.1).
type Stats struct {
	FramesReceived uint64
	BytesReceived  uint64
	ReconnectCount uint32
	Connected      bool
}

// Pipeline supervises one GStreamer graph end to end: construction, the
// Building->Playing->Faulted->Backoff worker loop, and bitrate control.
type Pipeline struct {
	cfg  Config
	mode Mode

	nalSinkMu sync.Mutex
	nalSink   NalSinkFunc

	stopRequested atomic.Bool
	running       atomic.Bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	graphMu  sync.Mutex
	pipeline *gst.Pipeline
	encoder  *gst.Element

	statsMu sync.Mutex
	stats   Stats

	log logging.Logger
}

// New selects a mode from cfg and returns a Pipeline that has not yet
// connected to anything.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		mode: selectMode(cfg),
		log:  logging.For("media"),
	}
}

func selectMode(cfg Config) Mode {
	if cfg.URL == "" && cfg.TestBuild {
		return ModeTest
	}
	if cfg.URL != "" && cfg.Passthrough {
		return ModePassthrough
	}
	if cfg.HWEncode {
		return ModeReencodeHW
	}
	return ModeReencodeSW
}

// Mode reports the mode this pipeline was built with.
func (p *Pipeline) Mode() Mode { return p.mode }

// SetNalSink installs the single NAL consumer. Must be called before Start.
func (p *Pipeline) SetNalSink(cb NalSinkFunc) {
	p.nalSinkMu.Lock()
	p.nalSink = cb
	p.nalSinkMu.Unlock()
}

func (p *Pipeline) emit(buf []byte, ptsUs uint64) {
	p.nalSinkMu.Lock()
	cb := p.nalSink
	p.nalSinkMu.Unlock()
	if cb == nil {
		p.log.Error("nal buffer produced before a sink was installed, dropping")
		return
	}
	cb(buf, ptsUs)
}

// Start spawns the supervising worker and returns immediately. Idempotent.
func (p *Pipeline) Start() {
	if p.stopCh != nil {
		p.log.Warn("start called on an already-running pipeline, ignoring")
		return
	}
	p.stopRequested.Store(false)
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.supervise()
}

// Stop requests shutdown, joins the worker, and tears down the graph.
// Idempotent.
func (p *Pipeline) Stop() {
	if p.stopCh == nil {
		return
	}
	p.stopRequested.Store(true)
	close(p.stopCh)
	p.wg.Wait()
	p.stopCh = nil
}

// IsRunning reports whether the graph is currently in the playing state.
func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

// GetStats returns a snapshot of the pipeline's counters.
func (p *Pipeline) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// SetBitrate clamps kbps to the configured range and applies it to the live
// encoder. No-op in passthrough/test modes or while the graph is down.
func (p *Pipeline) SetBitrate(kbps int) {
	if p.mode == ModeTest || p.mode == ModePassthrough {
		p.log.Info("set_bitrate(%d) ignored, mode=%s has no encoder", kbps, p.mode)
		return
	}

	p.graphMu.Lock()
	encoder := p.encoder
	p.graphMu.Unlock()

	if encoder == nil || !p.running.Load() {
		p.log.Debug("set_bitrate(%d) ignored, encoder not running", kbps)
		return
	}

	clamped := kbps
	if clamped < p.cfg.MinBitrateKbps {
		clamped = p.cfg.MinBitrateKbps
	}
	if clamped > p.cfg.MaxBitrateKbps {
		clamped = p.cfg.MaxBitrateKbps
	}

	if p.mode == ModeReencodeHW {
		encoder.SetProperty("bitrate", uint(clamped*1000))
	} else {
		encoder.SetProperty("bitrate", uint(clamped))
	}
	p.log.Info("encoder bitrate adjusted to %d kbps (requested %d)", clamped, kbps)
}

// supervise runs the Building -> Playing -> Faulted -> Backoff loop until
// stop_requested, per spec §4.1.
func (p *Pipeline) supervise() {
	defer p.wg.Done()
	p.log.Info("media supervisor started, mode=%s", p.mode)

	attempts := 0
	for !p.stopRequested.Load() {
		p.log.Debug("state -> building")
		pipeline, sink, encoder, err := p.buildGraph()
		if err != nil {
			p.log.Error("graph construction failed: %v", err)
			p.onFaulted()
			if !p.backoff(&attempts) {
				break
			}
			continue
		}

		if err := pipeline.SetState(gst.StatePlaying); err != nil {
			p.log.Error("failed to set pipeline to playing: %v", err)
			pipeline.SetState(gst.StateNull)
			p.onFaulted()
			if !p.backoff(&attempts) {
				break
			}
			continue
		}

		p.graphMu.Lock()
		p.pipeline = pipeline
		p.encoder = encoder
		p.graphMu.Unlock()

		p.running.Store(true)
		p.setConnected(true)
		p.log.Info("state -> playing")
		attempts = 0

		p.runBus(pipeline, sink)

		p.running.Store(false)
		p.setConnected(false)
		pipeline.SetState(gst.StateNull)

		p.graphMu.Lock()
		p.pipeline = nil
		p.encoder = nil
		p.graphMu.Unlock()

		if p.stopRequested.Load() {
			break
		}

		p.onFaulted()
		if !p.backoff(&attempts) {
			break
		}
	}

	p.log.Info("media supervisor stopped")
}

// runBus polls the pipeline bus at 500ms granularity until an ERROR, EOS, or
// stop_requested, then returns so the caller can tear the graph down.
func (p *Pipeline) runBus(pipeline *gst.Pipeline, sink *app.Sink) {
	bus := pipeline.GetPipelineBus()
	for !p.stopRequested.Load() {
		msg := bus.TimedPop(busPollTimeout)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			p.log.Error("pipeline error: %s", gerr.Error())
			return
		case gst.MessageEOS:
			p.log.Warn("end of stream received")
			return
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, newState := msg.ParseStateChanged()
				p.log.Debug("pipeline state %s -> %s", old, newState)
			}
		}
	}
}

func (p *Pipeline) onFaulted() {
	p.log.Warn("state -> faulted")
	p.statsMu.Lock()
	p.stats.ReconnectCount++
	p.statsMu.Unlock()
}

// backoff sleeps reconnect_interval_ms in 100ms slices, honoring
// stop_requested and reconnect_max_attempts. Returns false when the worker
// should exit instead of rebuilding.
func (p *Pipeline) backoff(attempts *int) bool {
	*attempts++
	if p.cfg.ReconnectMaxAttempts > 0 && *attempts > p.cfg.ReconnectMaxAttempts {
		p.log.Error("reconnect_max_attempts (%d) exceeded, giving up", p.cfg.ReconnectMaxAttempts)
		return false
	}

	p.log.Info("state -> backoff, retrying in %dms (attempt %d)", p.cfg.ReconnectIntervalMs, *attempts)
	elapsed := 0
	for elapsed < p.cfg.ReconnectIntervalMs {
		if p.stopRequested.Load() {
			return false
		}
		select {
		case <-p.stopCh:
			return false
		case <-time.After(backoffSlice):
		}
		elapsed += int(backoffSlice.Milliseconds())
	}
	return !p.stopRequested.Load()
}

func (p *Pipeline) setConnected(connected bool) {
	p.statsMu.Lock()
	p.stats.Connected = connected
	p.statsMu.Unlock()
}

// buildGraph constructs the element graph for the pipeline's mode. It does
// not start the pipeline.
func (p *Pipeline) buildGraph() (*gst.Pipeline, *app.Sink, *gst.Element, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("media: new pipeline: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("media: new appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(5))
	sink.SetProperty("drop", true)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: p.onNewSample,
	})

	var encoder *gst.Element
	var err2 error
	switch p.mode {
	case ModeTest:
		err2 = p.buildTestGraph(pipeline, sink, &encoder)
	case ModePassthrough:
		err2 = p.buildPassthroughGraph(pipeline, sink)
	default:
		err2 = p.buildReencodeGraph(pipeline, sink, &encoder)
	}
	if err2 != nil {
		pipeline.SetState(gst.StateNull)
		return nil, nil, nil, err2
	}

	return pipeline, sink, encoder, nil
}

func (p *Pipeline) buildTestGraph(pipeline *gst.Pipeline, sink *app.Sink, encoderOut **gst.Element) error {
	src, err := gst.NewElement("videotestsrc")
	if err != nil {
		return fmt.Errorf("media: videotestsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("pattern", "ball")

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("media: capsfilter: %w", err)
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,width=%d,height=%d,framerate=%d/1", testWidth, testHeight, testFPS))
	capsfilter.SetProperty("caps", caps)

	encoder, err := p.newH264Encoder()
	if err != nil {
		return err
	}

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return fmt.Errorf("media: h264parse: %w", err)
	}
	parse.SetProperty("config-interval", 1)

	pipeline.AddMany(src, capsfilter, encoder, parse, sink.Element)
	if err := gst.ElementLinkMany(src, capsfilter, encoder, parse, sink.Element); err != nil {
		return fmt.Errorf("media: link test graph: %w", err)
	}

	*encoderOut = encoder
	return nil
}

func (p *Pipeline) buildPassthroughGraph(pipeline *gst.Pipeline, sink *app.Sink) error {
	rtspsrc, depay, parse, err := p.newRtspSourceChain()
	if err != nil {
		return err
	}
	parse.SetProperty("config-interval", 1)

	pipeline.AddMany(rtspsrc, depay, parse, sink.Element)
	if err := gst.ElementLinkMany(depay, parse, sink.Element); err != nil {
		return fmt.Errorf("media: link passthrough graph: %w", err)
	}
	connectDynamicPad(rtspsrc, depay, p.log)
	return nil
}

func (p *Pipeline) buildReencodeGraph(pipeline *gst.Pipeline, sink *app.Sink, encoderOut **gst.Element) error {
	rtspsrc, depay, parse, err := p.newRtspSourceChain()
	if err != nil {
		return err
	}
	parse.SetProperty("config-interval", -1)

	decoderName := "avdec_h264"
	if p.mode == ModeReencodeHW {
		decoderName = "nvv4l2decoder"
	}
	decoder, err := gst.NewElement(decoderName)
	if err != nil {
		return fmt.Errorf("media: %s: %w", decoderName, err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("media: videoconvert: %w", err)
	}

	encoder, err := p.newH264Encoder()
	if err != nil {
		return err
	}

	outParse, err := gst.NewElement("h264parse")
	if err != nil {
		return fmt.Errorf("media: h264parse: %w", err)
	}
	outParse.SetProperty("config-interval", 1)

	pipeline.AddMany(rtspsrc, depay, parse, decoder, converter, encoder, outParse, sink.Element)
	if err := gst.ElementLinkMany(depay, parse, decoder, converter, encoder, outParse, sink.Element); err != nil {
		return fmt.Errorf("media: link reencode graph: %w", err)
	}
	connectDynamicPad(rtspsrc, depay, p.log)

	*encoderOut = encoder
	return nil
}

// newRtspSourceChain builds the rtspsrc + rtph264depay + h264parse elements
// common to the passthrough and re-encode graphs. rtspsrc's "src" pad is
// dynamic and must be linked in a pad-added callback after construction.
func (p *Pipeline) newRtspSourceChain() (rtspsrc, depay, parse *gst.Element, err error) {
	rtspsrc, err = gst.NewElement("rtspsrc")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("media: rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", p.cfg.URL)
	rtspsrc.SetProperty("latency", uint(p.cfg.LatencyMs))
	rtspsrc.SetProperty("is-live", true)
	rtspsrc.SetProperty("do-retransmission", false)
	if p.cfg.Transport == "udp" {
		rtspsrc.SetProperty("protocols", 1) // GST_RTSP_LOWER_TRANS_UDP
	} else {
		rtspsrc.SetProperty("protocols", 4) // GST_RTSP_LOWER_TRANS_TCP
	}

	depay, err = gst.NewElement("rtph264depay")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("media: rtph264depay: %w", err)
	}

	parse, err = gst.NewElement("h264parse")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("media: h264parse: %w", err)
	}
	return rtspsrc, depay, parse, nil
}

// newH264Encoder builds the encoder element for the current mode with the
// zero-latency knobs spec §4.1 requires.
func (p *Pipeline) newH264Encoder() (*gst.Element, error) {
	if p.mode == ModeReencodeHW {
		enc, err := gst.NewElement("nvv4l2h264enc")
		if err != nil {
			return nil, fmt.Errorf("media: nvv4l2h264enc: %w", err)
		}
		enc.SetProperty("bitrate", uint(p.cfg.BitrateKbps*1000))
		enc.SetProperty("peak-bitrate", uint(p.cfg.MaxBitrateKbps*1000))
		enc.SetProperty("maxperf-enable", true)
		enc.SetProperty("insert-sps-pps", p.cfg.InsertSPSPPS)
		enc.SetProperty("idrinterval", uint(p.cfg.IDRInterval))
		return enc, nil
	}

	enc, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, fmt.Errorf("media: x264enc: %w", err)
	}
	enc.SetProperty("tune", "zerolatency")
	enc.SetProperty("speed-preset", presetNick(p.cfg.Preset))
	enc.SetProperty("bitrate", uint(p.cfg.BitrateKbps))
	enc.SetProperty("key-int-max", uint(p.cfg.IDRInterval))
	enc.SetProperty("bframes", uint(0))
	return enc, nil
}

// presetNick turns a config preset name like "UltraFastPreset" into the
// x264enc speed-preset nick "ultrafast".
func presetNick(name string) string {
	const suffix = "Preset"
	trimmed := name
	if len(trimmed) > len(suffix) && trimmed[len(trimmed)-len(suffix):] == suffix {
		trimmed = trimmed[:len(trimmed)-len(suffix)]
	}
	return toLower(trimmed)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func connectDynamicPad(src, sinkElement *gst.Element, log logging.Logger) {
	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := sinkElement.GetStaticPad("sink")
		if sinkPad == nil {
			log.Error("pad-added: no sink pad on %s", sinkElement.GetName())
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			log.Error("pad-added: failed to link %s: %v", srcPad.GetName(), ret)
		}
	})
}

// onNewSample is the appsink callback: pull the sample, copy its buffer,
// derive a microsecond PTS, and hand it to the installed sink.
func (p *Pipeline) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	buffer.Unmap()

	ptsUs := ptsFromBuffer(buffer)

	p.statsMu.Lock()
	p.stats.FramesReceived++
	p.stats.BytesReceived += uint64(len(buf))
	p.statsMu.Unlock()

	p.emit(buf, ptsUs)
	return gst.FlowOK
}

// monoEpoch anchors the monotonic clock readings used for buffers without
// a PTS.
var monoEpoch = time.Now()

// ptsFromBuffer converts a buffer's presentation timestamp to microseconds,
// substituting the monotonic clock when the source didn't supply one.
func ptsFromBuffer(buffer *gst.Buffer) uint64 {
	pts := buffer.PresentationTimestamp()
	if pts < 0 {
		return uint64(time.Since(monoEpoch).Microseconds())
	}
	return uint64(pts.Nanoseconds() / 1000)
}
