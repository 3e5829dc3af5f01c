package sensorhub

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/service"
)

// frameBinding pairs a locked FrameHandle with the StreamReader that
// produced it, so ReaderCloseFrame can resolve Unlock's receiver from
// nothing but the frame's own Handle (§6: reader_close_frame takes only
// the frame).
type frameBinding struct {
	reader *StreamReader
	frame  *FrameHandle
}

// Context is the thin orchestrator binding SetCatalog and PluginManager
// together and the entry point for client calls (§4.7, §6). Every
// object a client can name — stream set, reader, connection, frame — is
// handed back as an opaque generation-counted Handle (handle.go) rather
// than a raw pointer, per §9's "opaque handles vs ownership" note: a
// stale Handle from a destroyed object fails to resolve instead of
// dereferencing freed state. Construction order is SetCatalog ->
// PluginManager; destruction is the reverse. Grounded on
// SenseKitContextImpl.cpp's initialize/terminate guard-and-log pattern
// (supplemented feature #3 in SPEC_FULL.md); the services are bound into
// a context.Context via sing's service registry rather than held as
// plain struct fields, mirroring how sing-box wires its services.
type Context struct {
	log logger.Logger

	mu          sync.Mutex
	initialized bool
	catalog     *SetCatalog
	plugins     *PluginManager

	streamSets  *registry[*StreamSet]
	readers     *registry[*StreamReader]
	connections *registry[*StreamConnection]
	frames      *registry[*frameBinding]

	// Reverse lookups keep repeated StreamSetOpen/ReaderGetStream calls
	// on the same underlying object idempotent at the Handle level too
	// (§8 scenario 4), matching the pointer-level idempotency SetCatalog
	// and StreamReader already provide.
	setHandles  map[*StreamSet]Handle
	connHandles map[*StreamConnection]Handle

	svcCtx context.Context
}

// ServiceContext exposes the context.Context services are bound into,
// for collaborators (e.g. a future transport adapter) that want to
// resolve SetCatalog/PluginManager via service.FromContext instead of
// holding a direct *Context reference.
func (c *Context) ServiceContext() context.Context { return c.svcCtx }

// NewContext constructs an uninitialized Context. cfg supplies
// severity_level, plugin_directory and frame_bin_slot_count (§6).
func NewContext(cfg Config) (*Context, error) {
	sev, err := ParseSeverity(cfg.SeverityLevel)
	if err != nil {
		return nil, err
	}
	c := &Context{
		log:         NewStdLogger(sev),
		streamSets:  newRegistry[*StreamSet](),
		readers:     newRegistry[*StreamReader](),
		connections: newRegistry[*StreamConnection](),
		frames:      newRegistry[*frameBinding](),
		setHandles:  make(map[*StreamSet]Handle),
		connHandles: make(map[*StreamConnection]Handle),
	}
	c.catalog = newSetCatalog(cfg.FrameBinSlotCount, c.log)
	c.plugins = newPluginManager(c.catalog, cfg.PluginDirectory, c.log)

	svcCtx := service.ContextWith[*SetCatalog](context.Background(), c.catalog)
	svcCtx = service.ContextWith[*PluginManager](svcCtx, c.plugins)
	c.svcCtx = svcCtx
	return c, nil
}

// Initialize brings the context up. Idempotent: a redundant call logs a
// warning and returns Success without side effects (supplemented feature
// #3).
func (c *Context) Initialize() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.log.Warn("Context.Initialize called while already initialized")
		return StatusSuccess
	}
	c.initialized = true
	if err := c.plugins.LoadAll(); err != nil {
		c.log.Error("plugin load: ", err)
	}
	return StatusSuccess
}

// Terminate tears the context down: shuts down every outstanding reader
// (waking blocked Lock calls with Shutdown per §5), unloads plugins in
// reverse load order, then closes every remaining stream set.
// Idempotent, with the same warn-on-redundant-call policy as Initialize.
func (c *Context) Terminate() Status {
	c.mu.Lock()
	if !c.initialized {
		c.log.Warn("Context.Terminate called while not initialized")
		c.mu.Unlock()
		return StatusSuccess
	}
	c.initialized = false

	var readers []*StreamReader
	c.readers.Each(func(_ Handle, r *StreamReader) { readers = append(readers, r) })

	c.streamSets = newRegistry[*StreamSet]()
	c.readers = newRegistry[*StreamReader]()
	c.connections = newRegistry[*StreamConnection]()
	c.frames = newRegistry[*frameBinding]()
	c.setHandles = make(map[*StreamSet]Handle)
	c.connHandles = make(map[*StreamConnection]Handle)
	c.mu.Unlock()

	for _, r := range readers {
		r.destroy()
	}
	c.plugins.Unload()
	c.catalog.closeAll()
	return StatusSuccess
}

func (c *Context) requireInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return newStatus(StatusUninitialized, "context not initialized")
	}
	return nil
}

// StreamSetOpen opens uri via the catalog and returns a Handle good
// until the matching StreamSetClose (§6 client API).
func (c *Context) StreamSetOpen(uri string) (Handle, Status) {
	if err := c.requireInitialized(); err != nil {
		return invalidHandle, statusOf(err)
	}
	set := c.catalog.Open(uri)

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.setHandles[set]; ok {
		return h, StatusSuccess
	}
	h := c.streamSets.Put(set)
	c.setHandles[set] = h
	return h, StatusSuccess
}

// StreamSetClose closes a previously opened set. The Handle is
// invalidated only once the catalog refcount actually reaches zero; a
// partial close (another caller still holds the set open) leaves it
// resolvable.
func (c *Context) StreamSetClose(h Handle) Status {
	if err := c.requireInitialized(); err != nil {
		return statusOf(err)
	}
	c.mu.Lock()
	set, ok := c.streamSets.Get(h)
	c.mu.Unlock()
	if !ok {
		return StatusInvalidParameter
	}

	destroyed, err := c.catalog.Close(set)
	if err != nil {
		return statusOf(err)
	}
	if destroyed {
		c.mu.Lock()
		c.streamSets.Remove(h)
		delete(c.setHandles, set)
		c.mu.Unlock()
	}
	return StatusSuccess
}

// ReaderCreate creates a reader over the stream set named by setHandle.
func (c *Context) ReaderCreate(setHandle Handle) (Handle, Status) {
	if err := c.requireInitialized(); err != nil {
		return invalidHandle, statusOf(err)
	}
	c.mu.Lock()
	set, ok := c.streamSets.Get(setHandle)
	c.mu.Unlock()
	if !ok {
		return invalidHandle, StatusInvalidParameter
	}

	r := newStreamReader(c.catalog, set)
	c.mu.Lock()
	h := c.readers.Put(r)
	c.mu.Unlock()
	return h, StatusSuccess
}

// ReaderDestroy destroys a reader created by ReaderCreate, invalidating
// its Handle and the handles of every connection it ever handed out via
// ReaderGetStream.
func (c *Context) ReaderDestroy(h Handle) Status {
	c.mu.Lock()
	r, ok := c.readers.Get(h)
	if ok {
		c.readers.Remove(h)
	}
	c.mu.Unlock()
	if !ok {
		return StatusInvalidParameter
	}

	conns := r.connectionsSnapshot()
	c.mu.Lock()
	for _, conn := range conns {
		if ch, ok := c.connHandles[conn]; ok {
			c.connections.Remove(ch)
			delete(c.connHandles, conn)
		}
	}
	c.mu.Unlock()

	r.destroy()
	return StatusSuccess
}

// ReaderGetStream resolves readerHandle and returns a Handle for the
// connection at desc, creating it on first call (§4.3, §6
// reader_get_stream). Idempotent at the Handle level: repeat calls for
// the same desc return the same Handle.
func (c *Context) ReaderGetStream(readerHandle Handle, desc StreamDescription) (Handle, Status) {
	if err := c.requireInitialized(); err != nil {
		return invalidHandle, statusOf(err)
	}
	c.mu.Lock()
	r, ok := c.readers.Get(readerHandle)
	c.mu.Unlock()
	if !ok {
		return invalidHandle, StatusInvalidParameter
	}

	conn := r.GetStream(desc)

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.connHandles[conn]; ok {
		return h, StatusSuccess
	}
	h := c.connections.Put(conn)
	c.connHandles[conn] = h
	return h, StatusSuccess
}

func (c *Context) resolveConnection(h Handle) (*StreamConnection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections.Get(h)
}

// StreamStart resumes frame-ready notification for connHandle (§4.2).
func (c *Context) StreamStart(connHandle Handle) Status {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return StatusInvalidParameter
	}
	conn.Start()
	return StatusSuccess
}

// StreamStop halts frame-ready notification for connHandle without
// destroying it (§4.2).
func (c *Context) StreamStop(connHandle Handle) Status {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return StatusInvalidParameter
	}
	conn.Stop()
	return StatusSuccess
}

// StreamGetDescription returns the (type, subtype) connHandle views.
func (c *Context) StreamGetDescription(connHandle Handle) (StreamDescription, Status) {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return StreamDescription{}, StatusInvalidParameter
	}
	return conn.Stream().Description(), StatusSuccess
}

// StreamSetParameter forwards to the owning plugin synchronously (§4.2).
func (c *Context) StreamSetParameter(connHandle Handle, id uint32, value []byte) Status {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return StatusInvalidParameter
	}
	return conn.SetParameter(id, value)
}

// StreamGetParameter asks the owning plugin for a parameter's value,
// synchronously or deferred (§4.2).
func (c *Context) StreamGetParameter(connHandle Handle, id uint32) (int, uint64, Status) {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return 0, 0, StatusInvalidParameter
	}
	n, token := conn.GetParameter(id)
	return n, token, StatusSuccess
}

// StreamGetResult copies a completed token's bytes into dst (§4.2).
func (c *Context) StreamGetResult(connHandle Handle, token uint64, dst []byte) (int, Status) {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return 0, StatusInvalidParameter
	}
	n, err := conn.GetResult(token, dst)
	if err != nil {
		return 0, statusOf(err)
	}
	return n, StatusSuccess
}

// StreamInvoke issues a command to the owning plugin, synchronously or
// deferred (§4.2).
func (c *Context) StreamInvoke(connHandle Handle, cmd uint32, in []byte) (int, uint64, Status) {
	conn, ok := c.resolveConnection(connHandle)
	if !ok {
		return 0, 0, StatusInvalidParameter
	}
	n, token := conn.Invoke(cmd, in)
	return n, token, StatusSuccess
}

// ReaderOpenFrame waits per the timeout contract in §4.3 and, on
// success, returns a Handle for the composite frame snapshot (§6
// reader_open_frame).
func (c *Context) ReaderOpenFrame(readerHandle Handle, timeoutMs int) (Handle, Status) {
	c.mu.Lock()
	r, ok := c.readers.Get(readerHandle)
	c.mu.Unlock()
	if !ok {
		return invalidHandle, StatusInvalidParameter
	}

	frame, err := r.Lock(timeoutMs)
	if err != nil {
		return invalidHandle, statusOf(err)
	}

	c.mu.Lock()
	h := c.frames.Put(&frameBinding{reader: r, frame: frame})
	c.mu.Unlock()
	return h, StatusSuccess
}

// ReaderCloseFrame releases every pin held by frameHandle's snapshot and
// invalidates the handle (§6 reader_close_frame). Must be called exactly
// once per successful ReaderOpenFrame.
func (c *Context) ReaderCloseFrame(frameHandle Handle) Status {
	c.mu.Lock()
	binding, ok := c.frames.Get(frameHandle)
	if ok {
		c.frames.Remove(frameHandle)
	}
	c.mu.Unlock()
	if !ok {
		return StatusInvalidParameter
	}
	binding.reader.Unlock(binding.frame)
	return StatusSuccess
}

// ReaderGetFrame returns the sub-frame for desc within frameHandle's
// snapshot (§6 reader_get_frame).
func (c *Context) ReaderGetFrame(frameHandle Handle, desc StreamDescription) (*SubFrame, Status) {
	c.mu.Lock()
	binding, ok := c.frames.Get(frameHandle)
	c.mu.Unlock()
	if !ok {
		return nil, StatusInvalidParameter
	}
	sub, ok := binding.frame.Get(desc)
	if !ok {
		return nil, StatusInvalidOperation
	}
	return sub, StatusSuccess
}

// ReaderRegisterFrameReadyCallback installs fn against readerHandle's
// reader (§6 reader_register_frame_ready_callback).
func (c *Context) ReaderRegisterFrameReadyCallback(readerHandle Handle, fn func(desc StreamDescription, seq uint64, tag any), tag any) (uint64, Status) {
	c.mu.Lock()
	r, ok := c.readers.Get(readerHandle)
	c.mu.Unlock()
	if !ok {
		return 0, StatusInvalidParameter
	}
	return r.RegisterFrameReadyCallback(fn, tag), StatusSuccess
}

// ReaderUnregisterFrameReadyCallback removes a previously registered
// callback; idempotent (§6 reader_unregister_frame_ready_callback).
func (c *Context) ReaderUnregisterFrameReadyCallback(readerHandle Handle, id uint64) Status {
	c.mu.Lock()
	r, ok := c.readers.Get(readerHandle)
	c.mu.Unlock()
	if !ok {
		return StatusInvalidParameter
	}
	r.UnregisterFrameReadyCallback(id)
	return StatusSuccess
}

// Update drives one plugin update tick (§2 control flow, §6 client API).
func (c *Context) Update() Status {
	if err := c.requireInitialized(); err != nil {
		return statusOf(err)
	}
	c.plugins.Update()
	return StatusSuccess
}

// NotifyHostEvent fans a host event out to every plugin (§6).
func (c *Context) NotifyHostEvent(eventID uint32, bytes []byte) Status {
	if err := c.requireInitialized(); err != nil {
		return statusOf(err)
	}
	c.plugins.notifyHostEvent(HostEvent{EventID: eventID, Bytes: bytes})
	return StatusSuccess
}

// RunUpdateLoop drives Update every interval until stop is closed, the
// way cmd/sensorhubd keeps plugins pulling from hardware (§2).
func (c *Context) RunUpdateLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Update()
		case <-stop:
			return
		}
	}
}
