// Package gps provides the optional position source used to geotag
// captures: NMEA over a serial port, a gpsd daemon, or fixed coordinates.
package gps

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/stratoberry/go-gpsd"
	"go.bug.st/serial"
)

type Position struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Timestamp  time.Time
	FixQuality int
	Satellites int
}

// Locator is the common interface of every position source
type Locator interface {
	Start() error
	WaitForFix(timeout time.Duration) (*Position, error)
	GetCurrentPosition() (*Position, error)
	IsFixValid() bool
	GetFixQualityString() string
	Close() error
}

// fix quality codes as reported in GGA sentences
var qualityNames = map[int]string{
	0: "Invalid",
	1: "GPS fix (SPS)",
	2: "DGPS fix",
	3: "PPS fix",
	4: "Real Time Kinematic",
	5: "Float RTK",
	6: "estimated (dead reckoning)",
	7: "Manual input mode",
	8: "Simulation mode",
}

func qualityString(q int) string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return "Unknown"
}

// waitForFix blocks until a valid position arrives on fixes or timeout
func waitForFix(fixes <-chan Position, timeout time.Duration) (*Position, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case pos := <-fixes:
			if pos.FixQuality > 0 {
				return &pos, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("GPS fix timeout after %v", timeout)
		}
	}
}

// NMEASerial reads NMEA sentences from a serial receiver
type NMEASerial struct {
	port     io.ReadWriteCloser
	mu       sync.RWMutex
	position Position
	fixChan  chan Position
	debug    bool
}

// NewNMEASerial opens portName and prepares an NMEA reader on it
func NewNMEASerial(portName string, baudRate int, debug bool) (*NMEASerial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS port %s: %w", portName, err)
	}

	n := newNMEA(port, debug)
	n.configureUblox()
	return n, nil
}

func newNMEA(port io.ReadWriteCloser, debug bool) *NMEASerial {
	return &NMEASerial{
		port:    port,
		fixChan: make(chan Position, 10),
		debug:   debug,
	}
}

// UBX-CFG-MSG frames enabling GGA and RMC output on UART1
var ubloxEnable = [][]byte{
	{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x31},
	{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x05, 0x3B},
}

// configureUblox asks u-blox receivers for NMEA GGA/RMC. Other receivers
// ignore the frames.
func (n *NMEASerial) configureUblox() {
	for _, frame := range ubloxEnable {
		if _, err := n.port.Write(frame); err != nil {
			log.Printf("[DEBUG] GPS: u-blox configuration write failed: %v", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("[DEBUG] GPS: sent u-blox NMEA output configuration")
}

func (n *NMEASerial) Start() error {
	go n.readLoop()
	return nil
}

func (n *NMEASerial) readLoop() {
	scanner := bufio.NewScanner(n.port)
	for scanner.Scan() {
		n.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[WARN] GPS: serial read: %v", err)
	}
	log.Printf("[DEBUG] GPS: NMEA read loop ended")
}

// handleLine parses one line from the receiver. Binary protocol noise and
// unparseable sentences are skipped.
func (n *NMEASerial) handleLine(line string) {
	if len(line) == 0 || line[0] != '$' {
		return
	}
	for _, r := range line {
		if r < 32 || r > 126 {
			return
		}
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		if n.debug {
			log.Printf("[DEBUG] GPS: NMEA parse error: %v (line: %s)", err, line)
		}
		return
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		n.processGGA(s)
	case nmea.RMC:
		n.processRMC(s)
	default:
		if n.debug {
			log.Printf("[DEBUG] GPS: ignoring %T", s)
		}
	}
}

func ggaQuality(q string) int {
	switch q {
	case nmea.GPS:
		return 1
	case nmea.DGPS:
		return 2
	case nmea.PPS:
		return 3
	case nmea.RTK:
		return 4
	case nmea.FRTK:
		return 5
	case nmea.Manual:
		return 7
	}
	return 0
}

func (n *NMEASerial) processGGA(s nmea.GGA) {
	quality := ggaQuality(s.FixQuality)
	if quality == 0 {
		return
	}
	pos := Position{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Altitude:   s.Altitude,
		Timestamp:  time.Now(),
		FixQuality: quality,
		Satellites: int(s.NumSatellites),
	}

	n.mu.Lock()
	n.position = pos
	n.mu.Unlock()

	if n.debug {
		log.Printf("[DEBUG] GPS: position %.6f, %.6f alt %.1f quality %d sats %d",
			pos.Latitude, pos.Longitude, pos.Altitude, pos.FixQuality, pos.Satellites)
	}

	select {
	case n.fixChan <- pos:
	default:
	}
}

// processRMC refreshes the horizontal position and timestamp of an
// existing GGA fix
func (n *NMEASerial) processRMC(s nmea.RMC) {
	if s.Validity != nmea.ValidRMC {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.position.FixQuality == 0 {
		return
	}
	ts := time.Now()
	if s.Time.Valid {
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(),
			s.Time.Hour, s.Time.Minute, s.Time.Second,
			s.Time.Millisecond*int(time.Millisecond), time.UTC)
	}
	n.position.Latitude = s.Latitude
	n.position.Longitude = s.Longitude
	n.position.Timestamp = ts
}

func (n *NMEASerial) WaitForFix(timeout time.Duration) (*Position, error) {
	pos, err := waitForFix(n.fixChan, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w; check that the receiver outputs NMEA GGA sentences or use gps mode gpsd", err)
	}
	return pos, nil
}

func (n *NMEASerial) GetCurrentPosition() (*Position, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.position.FixQuality == 0 {
		return nil, fmt.Errorf("no GPS fix available")
	}
	pos := n.position
	return &pos, nil
}

func (n *NMEASerial) IsFixValid() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.position.FixQuality > 0
}

func (n *NMEASerial) GetFixQualityString() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return qualityString(n.position.FixQuality)
}

func (n *NMEASerial) Close() error {
	if n.port != nil {
		return n.port.Close()
	}
	return nil
}

// GPSDClient follows TPV and SKY reports from a gpsd daemon
type GPSDClient struct {
	address string

	mu       sync.RWMutex
	session  *gpsd.Session
	position Position
	fixChan  chan Position
}

// NewGPSDClient prepares a client for gpsd at host:port. An empty host
// selects gpsd's default address.
func NewGPSDClient(host, port string) *GPSDClient {
	address := gpsd.DefaultAddress
	if host != "" && port != "" {
		address = net.JoinHostPort(host, port)
	}
	return &GPSDClient{address: address, fixChan: make(chan Position, 10)}
}

func (g *GPSDClient) Start() error {
	session, err := gpsd.Dial(g.address)
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd at %s: %w", g.address, err)
	}
	g.mu.Lock()
	g.session = session
	g.mu.Unlock()

	session.AddFilter("TPV", func(r interface{}) {
		if tpv, ok := r.(*gpsd.TPVReport); ok {
			g.handleTPV(tpv)
		}
	})
	session.AddFilter("SKY", func(r interface{}) {
		if sky, ok := r.(*gpsd.SKYReport); ok {
			g.handleSKY(sky)
		}
	})
	session.Watch()
	return nil
}

// handleTPV records 2D and 3D fixes, keeping the satellite count learned
// from SKY reports
func (g *GPSDClient) handleTPV(tpv *gpsd.TPVReport) {
	if tpv.Mode < 2 || (tpv.Lat == 0 && tpv.Lon == 0) {
		return
	}

	g.mu.Lock()
	g.position = Position{
		Latitude:   tpv.Lat,
		Longitude:  tpv.Lon,
		Altitude:   tpv.Alt,
		Timestamp:  tpv.Time,
		FixQuality: 1,
		Satellites: g.position.Satellites,
	}
	pos := g.position
	g.mu.Unlock()

	select {
	case g.fixChan <- pos:
	default:
	}
}

func (g *GPSDClient) handleSKY(sky *gpsd.SKYReport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.position.Satellites = len(sky.Satellites)
}

func (g *GPSDClient) WaitForFix(timeout time.Duration) (*Position, error) {
	return waitForFix(g.fixChan, timeout)
}

func (g *GPSDClient) GetCurrentPosition() (*Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.position.FixQuality == 0 {
		return nil, fmt.Errorf("no GPS fix available")
	}
	pos := g.position
	return &pos, nil
}

func (g *GPSDClient) IsFixValid() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.position.FixQuality > 0
}

func (g *GPSDClient) GetFixQualityString() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return qualityString(g.position.FixQuality) + " (via gpsd)"
}

func (g *GPSDClient) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		g.session.Close()
		g.session = nil
	}
	return nil
}

// Manual reports fixed coordinates
type Manual struct {
	position Position
}

// NewManual returns a locator pinned to the given coordinates
func NewManual(latitude, longitude, altitude float64) *Manual {
	return &Manual{position: Position{
		Latitude:   latitude,
		Longitude:  longitude,
		Altitude:   altitude,
		FixQuality: 7,
	}}
}

func (m *Manual) Start() error { return nil }

func (m *Manual) WaitForFix(time.Duration) (*Position, error) {
	return m.GetCurrentPosition()
}

func (m *Manual) GetCurrentPosition() (*Position, error) {
	pos := m.position
	pos.Timestamp = time.Now()
	return &pos, nil
}

func (m *Manual) IsFixValid() bool { return true }

func (m *Manual) GetFixQualityString() string { return qualityString(m.position.FixQuality) }

func (m *Manual) Close() error { return nil }
