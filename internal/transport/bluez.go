package transport

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// BlueZ D-Bus names.
const (
	bluezBusName        = "org.bluez"
	deviceInterface     = "org.bluez.Device1"
	serviceInterface    = "org.bluez.GattService1"
	charInterface       = "org.bluez.GattCharacteristic1"
	propertiesInterface = "org.freedesktop.DBus.Properties"

	connectTimeout = 30 * time.Second
)

// BlueZConfig describes how to reach the peripheral over BlueZ.
type BlueZConfig struct {
	Adapter       string `yaml:"adapter"`        // e.g. "hci0"
	DeviceAddress string `yaml:"device_address"` // e.g. "AA:BB:CC:DD:EE:FF"

	ServiceUUID   string `yaml:"service_uuid"`
	AudioTxUUID   string `yaml:"audio_tx_uuid"`
	AudioRxUUID   string `yaml:"audio_rx_uuid"`
	FileTxUUID    string `yaml:"file_tx_uuid"`
	FileRxUUID    string `yaml:"file_rx_uuid"`
	FileCtrlUUID  string `yaml:"file_ctrl_uuid"`

	// DefaultMTU is the raw ATT MTU assumed when BlueZ does not expose the
	// negotiated value. The 3-byte attribute header is subtracted before use,
	// same as for a negotiated value.
	DefaultMTU uint16 `yaml:"default_mtu"`
}

// BlueZTransport implements Transport on top of the BlueZ GATT D-Bus API.
type BlueZTransport struct {
	cfg    BlueZConfig
	logger *slog.Logger

	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	charPaths  map[Characteristic]dbus.ObjectPath

	mu            sync.Mutex
	connected     bool
	mtu           uint16
	subs          map[dbus.ObjectPath]chan []byte
	disconnectFns []func()
	closed        bool

	signals chan *dbus.Signal
	done    chan struct{}
}

// NewBlueZTransport connects to the configured device, resolves the five
// protocol characteristics and starts the notification dispatcher.
func NewBlueZTransport(cfg BlueZConfig, logger *slog.Logger) (*BlueZTransport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	t := &BlueZTransport{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		devicePath: devicePath(cfg.Adapter, cfg.DeviceAddress),
		charPaths:  make(map[Characteristic]dbus.ObjectPath),
		subs:       make(map[dbus.ObjectPath]chan []byte),
		mtu:        usableMTU(cfg.DefaultMTU),
		signals:    make(chan *dbus.Signal, 64),
		done:       make(chan struct{}),
	}

	if err := t.connectDevice(); err != nil {
		return nil, err
	}
	if err := t.resolveCharacteristics(); err != nil {
		t.disconnectDevice()
		return nil, err
	}
	t.readNegotiatedMTU()

	if err := t.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		t.disconnectDevice()
		return nil, fmt.Errorf("failed to add signal match: %w", err)
	}
	t.conn.Signal(t.signals)
	go t.dispatchSignals()

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	logger.Info("BLE transport connected",
		slog.String("device", cfg.DeviceAddress),
		slog.Int("mtu", int(t.mtu)),
	)

	return t, nil
}

// Write sends data to a characteristic via WriteValue.
func (t *BlueZTransport) Write(char Characteristic, data []byte, ack bool) error {
	if !t.Connected() {
		return ErrNotConnected
	}
	path, ok := t.charPaths[char]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCharacteristicUnknown, char)
	}

	writeType := "command"
	if ack {
		writeType = "request"
	}
	options := map[string]interface{}{"type": writeType}

	obj := t.conn.Object(bluezBusName, path)
	if err := obj.Call(charInterface+".WriteValue", 0, data, options).Err; err != nil {
		return fmt.Errorf("write to %s failed: %w", char, err)
	}
	return nil
}

// Read fetches the current value of a characteristic via ReadValue.
func (t *BlueZTransport) Read(char Characteristic) ([]byte, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}
	path, ok := t.charPaths[char]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicUnknown, char)
	}

	var value []byte
	obj := t.conn.Object(bluezBusName, path)
	options := map[string]interface{}{}
	if err := obj.Call(charInterface+".ReadValue", 0, options).Store(&value); err != nil {
		return nil, fmt.Errorf("read from %s failed: %w", char, err)
	}
	return value, nil
}

// Subscribe enables notifications on a characteristic and returns the
// stream of received values.
func (t *BlueZTransport) Subscribe(char Characteristic) (<-chan []byte, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}
	path, ok := t.charPaths[char]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicUnknown, char)
	}

	t.mu.Lock()
	if existing, ok := t.subs[path]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	ch := make(chan []byte, 64)
	t.subs[path] = ch
	t.mu.Unlock()

	obj := t.conn.Object(bluezBusName, path)
	if err := obj.Call(charInterface+".StartNotify", 0).Err; err != nil {
		t.mu.Lock()
		delete(t.subs, path)
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to enable notifications on %s: %w", char, err)
	}

	t.logger.Debug("Notifications enabled", slog.String("characteristic", char.String()))
	return ch, nil
}

// Connected reports whether the link is up.
func (t *BlueZTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// MTU returns the negotiated maximum write/notification payload.
func (t *BlueZTransport) MTU() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

// OnDisconnect registers a callback invoked once when the link drops.
func (t *BlueZTransport) OnDisconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectFns = append(t.disconnectFns, fn)
}

// Close disconnects the device and stops the signal dispatcher.
func (t *BlueZTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.markDisconnected(false)
	close(t.done)
	t.conn.RemoveSignal(t.signals)
	return t.disconnectDevice()
}

// connectDevice asks BlueZ to connect and waits for ServicesResolved.
func (t *BlueZTransport) connectDevice() error {
	obj := t.conn.Object(bluezBusName, t.devicePath)
	if err := obj.Call(deviceInterface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.cfg.DeviceAddress, err)
	}

	deadline := time.Now().Add(connectTimeout)
	for time.Now().Before(deadline) {
		var variant dbus.Variant
		err := obj.Call(propertiesInterface+".Get", 0, deviceInterface, "ServicesResolved").Store(&variant)
		if err == nil {
			if resolved, ok := variant.Value().(bool); ok && resolved {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for service resolution on %s", t.cfg.DeviceAddress)
}

func (t *BlueZTransport) disconnectDevice() error {
	obj := t.conn.Object(bluezBusName, t.devicePath)
	if err := obj.Call(deviceInterface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// resolveCharacteristics walks the managed object tree and maps the five
// protocol characteristic UUIDs to their D-Bus paths.
func (t *BlueZTransport) resolveCharacteristics() error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(bluezBusName, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return fmt.Errorf("failed to get managed objects: %w", err)
	}

	// Find our service under the device, then its characteristics.
	var servicePath dbus.ObjectPath
	devicePrefix := string(t.devicePath) + "/service"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		svc, ok := interfaces[serviceInterface]
		if !ok {
			continue
		}
		if uuid, ok := svc["UUID"].Value().(string); ok && strings.EqualFold(uuid, t.cfg.ServiceUUID) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return fmt.Errorf("service %s not found on %s", t.cfg.ServiceUUID, t.cfg.DeviceAddress)
	}

	wanted := map[string]Characteristic{
		strings.ToLower(t.cfg.AudioTxUUID):  CharAudioTx,
		strings.ToLower(t.cfg.AudioRxUUID):  CharAudioRx,
		strings.ToLower(t.cfg.FileTxUUID):   CharFileTx,
		strings.ToLower(t.cfg.FileRxUUID):   CharFileRx,
		strings.ToLower(t.cfg.FileCtrlUUID): CharFileCtrl,
	}

	servicePrefix := string(servicePath) + "/char"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), servicePrefix) {
			continue
		}
		chr, ok := interfaces[charInterface]
		if !ok {
			continue
		}
		uuid, ok := chr["UUID"].Value().(string)
		if !ok {
			continue
		}
		if char, ok := wanted[strings.ToLower(uuid)]; ok {
			t.charPaths[char] = path
			t.logger.Debug("Resolved characteristic",
				slog.String("characteristic", char.String()),
				slog.String("uuid", uuid),
				slog.String("path", string(path)),
			)
		}
	}

	for uuid, char := range wanted {
		if _, ok := t.charPaths[char]; !ok {
			return fmt.Errorf("characteristic %s (%s) not found", char, uuid)
		}
	}
	return nil
}

// readNegotiatedMTU reads the MTU property BlueZ exposes on
// characteristics once the ATT exchange has happened. Falls back to the
// configured default when unavailable.
func (t *BlueZTransport) readNegotiatedMTU() {
	path, ok := t.charPaths[CharAudioRx]
	if !ok {
		return
	}
	obj := t.conn.Object(bluezBusName, path)

	var variant dbus.Variant
	if err := obj.Call(propertiesInterface+".Get", 0, charInterface, "MTU").Store(&variant); err != nil {
		t.logger.Debug("MTU property unavailable, using default",
			slog.Int("default_mtu", int(t.cfg.DefaultMTU)),
		)
		return
	}
	if mtu, ok := variant.Value().(uint16); ok && mtu > 0 {
		t.mtu = usableMTU(mtu)
	}
}

// usableMTU converts a raw ATT MTU into the per-write payload budget by
// dropping the 3-byte attribute header.
func usableMTU(attMTU uint16) uint16 {
	return attMTU - 3
}

// dispatchSignals routes PropertiesChanged signals: characteristic Value
// updates go to their subscriber channel, device Connected=false triggers
// the disconnect callbacks.
func (t *BlueZTransport) dispatchSignals() {
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			if sig.Name != propertiesInterface+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, _ := sig.Body[1].(map[string]dbus.Variant)

			switch iface {
			case charInterface:
				t.handleValueChange(sig.Path, changed)
			case deviceInterface:
				t.handleDeviceChange(sig.Path, changed)
			}
		}
	}
}

func (t *BlueZTransport) handleValueChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	variant, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := variant.Value().([]byte)
	if !ok {
		return
	}

	t.mu.Lock()
	ch, ok := t.subs[path]
	t.mu.Unlock()
	if !ok {
		return
	}

	// Never block the D-Bus dispatcher on a slow consumer; a full
	// subscriber drops the notification, the audio path is loss-tolerant.
	select {
	case ch <- value:
	default:
		t.logger.Warn("Notification dropped, subscriber backlogged",
			slog.String("path", string(path)),
		)
	}
}

func (t *BlueZTransport) handleDeviceChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if path != t.devicePath {
		return
	}
	variant, ok := changed["Connected"]
	if !ok {
		return
	}
	if connected, ok := variant.Value().(bool); ok && !connected {
		t.logger.Warn("BLE link dropped", slog.String("device", t.cfg.DeviceAddress))
		t.markDisconnected(true)
	}
}

// markDisconnected flips connection state, closes subscriber channels and
// (optionally) fires the registered disconnect callbacks exactly once.
func (t *BlueZTransport) markDisconnected(notify bool) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	fns := t.disconnectFns
	subs := t.subs
	t.subs = make(map[dbus.ObjectPath]chan []byte)
	t.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	if notify {
		for _, fn := range fns {
			fn()
		}
	}
}

// devicePath builds the BlueZ object path for an adapter/address pair,
// e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s",
		adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}
