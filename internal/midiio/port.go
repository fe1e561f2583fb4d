// Package midiio implements the MIDI Output Gateway and Note-Off Scheduler.
//
// Port lookup and autoselection policy belong to an external collaborator
// (the host process); this package only exposes the mechanism for listing
// output ports by name and opening one by index. The returned port handle
// is closed by Gateway.Stop.
package midiio

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // auto-register RtMIDI driver
)

// ListPorts returns the names of available MIDI output ports.
func ListPorts() []string {
	ports := midi.GetOutPorts()
	names := make([]string, len(ports))
	for i, port := range ports {
		names[i] = port.String()
	}
	return names
}

// OpenPort opens a MIDI output port by index and returns a send function
// bound to it, along with the underlying port handle for later closing.
func OpenPort(portIndex int) (drivers.Out, func(msg midi.Message) error, error) {
	port, err := midi.OutPort(portIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("midiio: open port %d: %w", portIndex, err)
	}

	send, err := midi.SendTo(port)
	if err != nil {
		return nil, nil, fmt.Errorf("midiio: create sender for port %d: %w", portIndex, err)
	}

	return port, send, nil
}
