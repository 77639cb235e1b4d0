// Package inditest provides an in-process indiserver that simulates a CCD
// camera, for tests of INDI clients.
package inditest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// CCD describes the simulated camera.
type CCD struct {
	// Name is the INDI device name
	Name string
	// Frame returns the payload for the n-th exposure (1-based); nil or empty
	// sends an empty BLOB
	Frame func(n int) []byte
	// Hidden keeps the device from ever being defined
	Hidden bool
	// Noise sends an unrelated number update before each BLOB
	Noise bool
	// HoldBLOB never delivers the BLOB for an exposure
	HoldBLOB bool
	// Connected defines the device as already connected
	Connected bool
}

// Request is a client message received by the server.
type Request struct {
	// Tag is the element name, e.g. "newSwitchVector"
	Tag    string
	Device string
	Name   string
	// Body is the character data (enableBLOB mode)
	Body string
	// Values maps element names to their submitted values
	Values map[string]string
	// Order lists element names as submitted
	Order []string
}

// Server is a single-device indiserver listening on a loopback port.
type Server struct {
	ccd CCD
	ln  net.Listener

	mu        sync.Mutex
	conns     map[net.Conn]*sync.Mutex
	requests  []Request
	exposures int
	connected bool
	wg        sync.WaitGroup
}

// NewServer starts a simulator and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, ccd CCD) *Server {
	t.Helper()

	if ccd.Name == "" {
		ccd.Name = "CCD Simulator"
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("inditest: failed to listen: %v", err)
	}

	s := &Server{
		ccd:       ccd,
		ln:        ln,
		conns:     make(map[net.Conn]*sync.Mutex),
		connected: ccd.Connected,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Requests returns the client messages received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LastRequest returns the most recent request for a property, if any.
func (s *Server) LastRequest(name string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Name == name {
			return s.requests[i], true
		}
	}
	return Request{}, false
}

// Exposures returns the number of exposure requests received.
func (s *Server) Exposures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposures
}

// Broadcast writes a raw XML fragment to every client.
func (s *Server) Broadcast(fragment string) {
	s.mu.Lock()
	conns := make(map[net.Conn]*sync.Mutex, len(s.conns))
	for c, m := range s.conns {
		conns[c] = m
	}
	s.mu.Unlock()

	for c, m := range conns {
		m.Lock()
		_, _ = io.WriteString(c, fragment)
		m.Unlock()
	}
}

// Close stops the listener and drops every client.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = &sync.Mutex{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

type clientXML struct {
	XMLName  xml.Name
	Device   string       `xml:"device,attr"`
	Name     string       `xml:"name,attr"`
	Body     string       `xml:",chardata"`
	Elements []elementXML `xml:",any"`
}

type elementXML struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Value   string `xml:",chardata"`
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var msg clientXML
		if err := dec.DecodeElement(&msg, &start); err != nil {
			return
		}

		req := Request{
			Tag:    msg.XMLName.Local,
			Device: msg.Device,
			Name:   msg.Name,
			Body:   strings.TrimSpace(msg.Body),
			Values: make(map[string]string, len(msg.Elements)),
		}
		for _, e := range msg.Elements {
			req.Values[e.Name] = strings.TrimSpace(e.Value)
			req.Order = append(req.Order, e.Name)
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		s.respond(conn, req)
	}
}

func (s *Server) write(conn net.Conn, fragment string) {
	s.mu.Lock()
	m, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return
	}
	m.Lock()
	defer m.Unlock()
	_, _ = io.WriteString(conn, fragment)
}

func (s *Server) respond(conn net.Conn, req Request) {
	switch req.Tag {
	case "getProperties":
		if s.ccd.Hidden {
			return
		}
		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()
		s.write(conn, definitions(s.ccd.Name, connected))

	case "newSwitchVector":
		if req.Name == "CONNECTION" {
			s.mu.Lock()
			s.connected = req.Values["CONNECT"] == "On"
			s.mu.Unlock()
		}
		s.write(conn, setVector("Switch", s.ccd.Name, req, "Ok"))

	case "newNumberVector":
		if req.Name != "CCD_EXPOSURE" {
			s.write(conn, setVector("Number", s.ccd.Name, req, "Ok"))
			return
		}
		s.mu.Lock()
		s.exposures++
		n := s.exposures
		s.mu.Unlock()
		s.expose(conn, req, n)

	case "newTextVector":
		s.write(conn, setVector("Text", s.ccd.Name, req, "Ok"))
	}
}

func (s *Server) expose(conn net.Conn, req Request, n int) {
	s.write(conn, setVector("Number", s.ccd.Name, req, "Busy"))
	if s.ccd.Noise {
		s.write(conn, fmt.Sprintf(
			`<setNumberVector device="%s" name="CCD_TEMPERATURE" state="Ok"><oneNumber name="CCD_TEMPERATURE_VALUE">-10</oneNumber></setNumberVector>`,
			s.ccd.Name))
	}
	if s.ccd.HoldBLOB {
		return
	}

	var payload []byte
	if s.ccd.Frame != nil {
		payload = s.ccd.Frame(n)
	}
	s.write(conn, fmt.Sprintf(
		`<setBLOBVector device="%s" name="CCD1" state="Ok"><oneBLOB name="CCD1" size="%d" format=".fits">%s</oneBLOB></setBLOBVector>`,
		s.ccd.Name, len(payload), wrapBase64(payload)))
	s.write(conn, fmt.Sprintf(
		`<setNumberVector device="%s" name="CCD_EXPOSURE" state="Ok"><oneNumber name="CCD_EXPOSURE_VALUE">0</oneNumber></setNumberVector>`,
		s.ccd.Name))
}

func setVector(kind, device string, req Request, state string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<set%sVector device="%s" name="%s" state="%s">`, kind, device, req.Name, state)
	for _, name := range req.Order {
		fmt.Fprintf(&b, `<one%s name="%s">%s</one%s>`, kind, name, req.Values[name], kind)
	}
	fmt.Fprintf(&b, `</set%sVector>`, kind)
	return b.String()
}

// wrapBase64 encodes data in 72-column lines like indiserver does.
func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 72 {
		b.WriteString(enc[:72])
		b.WriteByte('\n')
		enc = enc[72:]
	}
	b.WriteString(enc)
	return b.String()
}

func definitions(device string, connected bool) string {
	connect, disconnect := "Off", "On"
	if connected {
		connect, disconnect = "On", "Off"
	}
	defs := `
<defSwitchVector device="{dev}" name="CONNECTION" label="Connection" group="Main Control" state="Idle" perm="rw" rule="OneOfMany" timeout="60" timestamp="2026-01-01T00:00:00">
  <defSwitch name="CONNECT" label="Connect">` + connect + `</defSwitch>
  <defSwitch name="DISCONNECT" label="Disconnect">` + disconnect + `</defSwitch>
</defSwitchVector>
<defTextVector device="{dev}" name="DRIVER_INFO" label="Driver Info" group="General Info" state="Idle" perm="ro" timeout="60">
  <defText name="DRIVER_NAME" label="Name">CCD Simulator</defText>
  <defText name="DRIVER_EXEC" label="Exec">indi_simulator_ccd</defText>
</defTextVector>
<defNumberVector device="{dev}" name="CCD_EXPOSURE" label="Expose" group="Main Control" state="Idle" perm="rw" timeout="60">
  <defNumber name="CCD_EXPOSURE_VALUE" label="Duration (s)" format="%5.2f" min="0.0001" max="3600" step="1">1</defNumber>
</defNumberVector>
<defNumberVector device="{dev}" name="CCD_CONTROLS" label="Controls" group="Controls" state="Idle" perm="rw" timeout="60">
  <defNumber name="Gain" label="Gain" format="%.f" min="100" max="2000" step="1">100</defNumber>
  <defNumber name="Offset" label="Offset" format="%.f" min="0" max="255" step="1">10</defNumber>
</defNumberVector>
<defNumberVector device="{dev}" name="CCD_TEMPERATURE" label="Temperature" group="Main Control" state="Idle" perm="ro" timeout="60">
  <defNumber name="CCD_TEMPERATURE_VALUE" label="Temperature (C)" format="%5.2f" min="-50" max="50" step="0">20:30</defNumber>
</defNumberVector>
<defSwitchVector device="{dev}" name="CCD_CAPTURE_FORMAT" label="Format" group="Image Settings" state="Idle" perm="rw" rule="OneOfMany" timeout="60">
  <defSwitch name="INDI_RGB" label="RGB">On</defSwitch>
  <defSwitch name="INDI_RAW" label="RAW 16">Off</defSwitch>
</defSwitchVector>
<defSwitchVector device="{dev}" name="CCD_TRANSFER_FORMAT" label="Encode" group="Image Settings" state="Idle" perm="rw" rule="OneOfMany" timeout="60">
  <defSwitch name="FORMAT_FITS" label="FITS">Off</defSwitch>
  <defSwitch name="FORMAT_NATIVE" label="Native">On</defSwitch>
</defSwitchVector>
<defLightVector device="{dev}" name="CCD_STATUS" label="Status" group="Main Control" state="Idle">
  <defLight name="EXPOSING" label="Exposing">Idle</defLight>
</defLightVector>
<defBLOBVector device="{dev}" name="CCD1" label="Image Data" group="Image Info" state="Idle" perm="ro" timeout="60">
  <defBLOB name="CCD1" label="Image"/>
</defBLOBVector>
<message device="{dev}" timestamp="2026-01-01T00:00:00" message="Simulator ready"/>
`
	return strings.ReplaceAll(defs, "{dev}", device)
}
