package spy

import (
	"fmt"
	"io"
	"strings"
)

const detailIndent = "                               "

// Printer writes frames in the line format used on the console.
type Printer struct {
	w io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Print(f Frame) error {
	var b strings.Builder

	if f.Resynced {
		fmt.Fprintf(&b, "<<<<<<< %s RESYNC DONE >>>>>>>\n", strings.ToUpper(f.Channel.Name))
	}

	if f.Type == MsgTypeReset {
		if f.Channel.Direction == AuxToMain {
			b.WriteString("Aux->Main: incorrect reset message\n")
		} else {
			b.WriteString("Main->Aux:  comms reset message\n")
		}
		_, err := io.WriteString(p.w, b.String())
		return err
	}

	fmt.Fprintf(&b, "%s: %20s", f.Channel.Direction, f.Type)
	if desc := f.Description(); desc != "" {
		b.WriteString(" - ")
		b.WriteString(desc)
	}
	// Only the aux MCU reports battery and platform details.
	if f.Details != nil && f.Channel.Direction == AuxToMain {
		b.WriteString(" - details below:")
		for _, line := range f.Details.Lines() {
			b.WriteString("\n")
			b.WriteString(detailIndent)
			b.WriteString(line)
		}
	}
	b.WriteString("\n")

	_, err := io.WriteString(p.w, b.String())
	return err
}
