package litb

// remapBytecode substitutes opcode bytes through the table, leaving
// operand bytes (odd offsets) and unmapped opcodes alone.
func (o *OpcodeMapping) remapBytecode(b []byte) []byte {
	nb := make([]byte, len(b))
	copy(nb, b)
	for i := 0; i < len(nb); i += 2 {
		nb[i] = o.Get(nb[i])
	}
	return nb
}

// RewriteCode returns a copy of c whose instruction stream, and that of
// every nested code constant, uses stock opcode numbering. All other
// fields are carried over untouched.
func (o *OpcodeMapping) RewriteCode(c *Code) *Code {
	nc := *c
	if b := c.Bytecode(); b != nil {
		nc.Code = &Bytes{Data: o.remapBytecode(b)}
	}
	if t, ok := c.Consts.(*Tuple); ok {
		items := make([]Object, len(t.Items))
		changed := false
		for i, it := range t.Items {
			if cc, ok := it.(*Code); ok {
				items[i] = o.RewriteCode(cc)
				changed = true
			} else {
				items[i] = it
			}
		}
		if changed {
			nc.Consts = &Tuple{Items: items, Small: t.Small}
		}
	}
	return &nc
}

// ReplaceConst swaps every string constant equal to old for new across
// the code tree, returning the rewritten copy and whether anything
// matched. Used to neutralize embedded integrity hashes before
// re-encryption.
func ReplaceConst(c *Code, old, new string) (*Code, bool) {
	nc := *c
	replaced := false
	if t, ok := c.Consts.(*Tuple); ok {
		items := make([]Object, len(t.Items))
		for i, it := range t.Items {
			switch v := it.(type) {
			case *Str:
				if v.Value == old {
					log.Infof("replacing %s with %s in %s at line %d",
						old, new, c.FilenameStr(), c.FirstLineNo)
					items[i] = &Str{Value: new, Kind: v.Kind}
					replaced = true
					continue
				}
				items[i] = it
			case *Code:
				sub, hit := ReplaceConst(v, old, new)
				if hit {
					replaced = true
				}
				items[i] = sub
			default:
				items[i] = it
			}
		}
		if replaced {
			nc.Consts = &Tuple{Items: items, Small: t.Small}
		}
	}
	return &nc, replaced
}
