package bitcoin

import (
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType is the coarse classification of an output script.
type ScriptType uint8

const (
	ScriptOther ScriptType = iota
	ScriptP2PK
	ScriptP2PKH
	ScriptP2SH
	ScriptNullData
)

func (t ScriptType) String() string {
	switch t {
	case ScriptP2PK:
		return "p2pk"
	case ScriptP2PKH:
		return "p2pkh"
	case ScriptP2SH:
		return "p2sh"
	case ScriptNullData:
		return "nulldata"
	default:
		return "other"
	}
}

// ClassifyScript reports the standard type of pkScript.
func ClassifyScript(pkScript []byte) ScriptType {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyTy:
		return ScriptP2PK
	case txscript.PubKeyHashTy:
		return ScriptP2PKH
	case txscript.ScriptHashTy:
		return ScriptP2SH
	case txscript.NullDataTy:
		return ScriptNullData
	default:
		if len(pkScript) > 0 && pkScript[0] == txscript.OP_RETURN {
			return ScriptNullData
		}
		return ScriptOther
	}
}

// ExtractOpReturn returns the payload of an OP_RETURN script carrying a single
// push. Only direct pushes and OP_PUSHDATA1 are accepted and the push length
// must cover the rest of the script exactly.
func ExtractOpReturn(pkScript []byte) ([]byte, bool) {
	if len(pkScript) < 2 || pkScript[0] != txscript.OP_RETURN {
		return nil, false
	}
	op := pkScript[1]
	var data []byte
	switch {
	case op > txscript.OP_0 && op < txscript.OP_PUSHDATA1:
		data = pkScript[2:]
		if int(op) != len(data) {
			return nil, false
		}
	case op == txscript.OP_PUSHDATA1:
		if len(pkScript) < 3 {
			return nil, false
		}
		data = pkScript[3:]
		if int(pkScript[2]) != len(data) {
			return nil, false
		}
	default:
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// NullDataScript builds an OP_RETURN script carrying data.
func NullDataScript(data []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData(data).Script()
}
