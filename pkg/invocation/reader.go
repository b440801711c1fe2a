package invocation

// ReadString evaluates expr in the selected frame of the stopped debuggee
// and returns its string value. The second result is false when there is
// no value: the expression is unknown in this frame, it is a null pointer,
// or it cannot be read as a string. None of those are errors, a symbol is
// often simply not initialized yet at a given breakpoint.
func (inv *Invocation) ReadString(expr string) (string, bool) {
	v, err := inv.dbg.Eval(expr)
	if err != nil {
		inv.hlog.WithError(err).Debugf("could not evaluate %s", expr)
		return "", false
	}
	// A register held value has no address, only its pointer value can be
	// checked before dereferencing.
	if v.IsNull() {
		inv.hlog.Debugf("%s is a null pointer", expr)
		return "", false
	}
	if !v.HasString {
		inv.hlog.Debugf("%s is not a string: %s", expr, v)
		return "", false
	}
	return v.Str, true
}

// SelectFrame makes frame n of the stopped thread the scope of subsequent
// ReadString calls, 0 being the frame of the breakpoint. Each stop starts
// with frame 0 selected.
func (inv *Invocation) SelectFrame(n int) error {
	return inv.dbg.SelectFrame(n)
}
