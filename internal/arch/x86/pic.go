package x86

// Legacy 8259 PIC ports and remap protocol (spec.md §4.C: "initialize
// master to base vector 32 and slave to 40, configure cascade on IRQ 2,
// select 8086 mode, mask all lines initially").
const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	icw1Init       = 0x11 // edge-triggered, cascade mode, ICW4 follows
	icw4_8086Mode  = 0x01

	picMasterBaseVector = 32
	picSlaveBaseVector  = 40

	picCascadeIRQ = 2 // master tells slave which IRQ line it's cascaded on

	picEOI = 0x20
)

// RemapPIC reprograms both PICs to the vector ranges spec.md §4.C requires
// and masks every line. It must run before interrupts are ever enabled
// (spec.md §4.H step 2 precedes step 12's "enable interrupts").
func RemapPIC() {
	// ICW1 on both PICs. The previous masks are not saved; every line is
	// masked at the end of the sequence.
	Outb(picMasterCommand, icw1Init)
	IoWait()
	Outb(picSlaveCommand, icw1Init)
	IoWait()

	Outb(picMasterData, picMasterBaseVector)
	IoWait()
	Outb(picSlaveData, picSlaveBaseVector)
	IoWait()

	Outb(picMasterData, 1<<picCascadeIRQ) // tell master: slave lives on IRQ2
	IoWait()
	Outb(picSlaveData, picCascadeIRQ)     // tell slave its cascade identity
	IoWait()

	Outb(picMasterData, icw4_8086Mode)
	IoWait()
	Outb(picSlaveData, icw4_8086Mode)
	IoWait()

	// Mask all lines; drivers unmask explicitly as they attach (spec.md
	// §4.C).
	Outb(picMasterData, 0xFF)
	Outb(picSlaveData, 0xFF)
}

// UnmaskIRQ enables a single IRQ line (0-15).
func UnmaskIRQ(irq uint8) {
	if irq < 8 {
		mask := Inb(picMasterData)
		Outb(picMasterData, mask&^(1<<irq))
		return
	}
	mask := Inb(picSlaveData)
	Outb(picSlaveData, mask&^(1<<(irq-8)))
}

// MaskIRQ disables a single IRQ line (0-15).
func MaskIRQ(irq uint8) {
	if irq < 8 {
		mask := Inb(picMasterData)
		Outb(picMasterData, mask|(1<<irq))
		return
	}
	mask := Inb(picSlaveData)
	Outb(picSlaveData, mask|(1<<(irq-8)))
}

// EOI acknowledges an IRQ. Per spec.md §4.C: "end-of-interrupt the slave
// (if vector >= 40) and the master unconditionally" — here expressed in
// terms of the 0-15 IRQ line rather than the raw vector number.
func EOI(irq uint8) {
	if irq >= 8 {
		Outb(picSlaveCommand, picEOI)
	}
	Outb(picMasterCommand, picEOI)
}
