package privval

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"bftchain/types"
)

// A vote is signed in one of three steps of a round.
const (
	stepPropose   int8 = 1
	stepPrevote   int8 = 2
	stepPrecommit int8 = 3
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address  `json:"address"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePVLastSignState stores the mutable part of PrivValidator. It records
// what was last signed so that a restarted validator never signs two
// conflicting messages for the same height, round and step.
type FilePVLastSignState struct {
	Height    types.Height     `json:"height"`
	Round     types.Round      `json:"round"`
	Step      int8             `json:"step"`
	Signature []byte           `json:"signature,omitempty"`
	SignBytes tmbytes.HexBytes `json:"signbytes,omitempty"`

	filePath string
}

// CheckHRS checks the given height, round, step against the last sign state.
// It returns true if the HRS matches exactly and a cached signature exists,
// in which case the caller should compare sign-bytes and reuse the cached
// signature rather than signing again.
func (lss *FilePVLastSignState) CheckHRS(height types.Height, round types.Round, step int8) (bool, error) {
	if lss.Height > height {
		return false, errors.Errorf("height regression. Got %v, last height %v", height, lss.Height)
	}

	if lss.Height == height {
		if lss.Round > round {
			return false, errors.Errorf("round regression at height %v. Got %v, last round %v",
				height, round, lss.Round)
		}

		if lss.Round == round {
			if lss.Step > step {
				return false, errors.Errorf("step regression at height %v round %v. Got %v, last step %v",
					height, round, step, lss.Step)
			} else if lss.Step == step {
				if lss.SignBytes != nil {
					if lss.Signature == nil {
						panic("pv: Signature is nil but SignBytes is not!")
					}
					return true, nil
				}
				return false, errors.New("no SignBytes found")
			}
		}
	}
	return false, nil
}

// Save persists the FilePvLastSignState to its filePath.
func (lss *FilePVLastSignState) Save() {
	outFile := lss.filePath
	if outFile == "" {
		panic("cannot save FilePVLastSignState: filePath not set")
	}
	jsonBytes, err := tmjson.MarshalIndent(lss, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements PrivValidator using data persisted to disk
// to prevent double signing.
// NOTE: the directories containing pv.Key.filePath and pv.LastSignState.filePath must already exist.
// It includes the LastSignature and LastSignBytes so we don't lose the signature
// if the process crashes after signing but before the resulting consensus message is processed.
type FilePV struct {
	Key           FilePVKey
	LastSignState FilePVLastSignState
}

// NewFilePV generates a new validator from the given key and paths.
func NewFilePV(privKey crypto.PrivKey, keyFilePath, stateFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:  privKey.PubKey().Address(),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey,
			filePath: keyFilePath,
		},
		LastSignState: FilePVLastSignState{
			Step:     0,
			filePath: stateFilePath,
		},
	}
}

// GenFilePV generates a new validator with a randomly generated ed25519 key
// and the given file paths.
func GenFilePV(keyFilePath, stateFilePath string) *FilePV {
	return NewFilePV(ed25519.GenPrivKey(), keyFilePath, stateFilePath)
}

// LoadFilePV loads a FilePV from the given key and state file paths, exiting
// if either is unreadable.
func LoadFilePV(keyFilePath, stateFilePath string) *FilePV {
	return loadFilePV(keyFilePath, stateFilePath, true)
}

// LoadFilePVEmptyState loads a FilePV from the given key file path, with an
// empty LastSignState. This is used by commands that only need the key.
func LoadFilePVEmptyState(keyFilePath, stateFilePath string) *FilePV {
	return loadFilePV(keyFilePath, stateFilePath, false)
}

func loadFilePV(keyFilePath, stateFilePath string, loadState bool) *FilePV {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	pvKey := FilePVKey{}
	err = tmjson.Unmarshal(keyJSONBytes, &pvKey)
	if err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator key from %v: %v\n", keyFilePath, err))
	}

	pvKey.Address = pvKey.PubKey.Address()
	pvKey.filePath = keyFilePath

	pvState := FilePVLastSignState{}

	if loadState {
		stateJSONBytes, err := ioutil.ReadFile(stateFilePath)
		if err != nil {
			tmos.Exit(err.Error())
		}
		err = tmjson.Unmarshal(stateJSONBytes, &pvState)
		if err != nil {
			tmos.Exit(fmt.Sprintf("Error reading PrivValidator state from %v: %v\n", stateFilePath, err))
		}
	}

	pvState.filePath = stateFilePath

	return &FilePV{
		Key:           pvKey,
		LastSignState: pvState,
	}
}

// LoadOrGenFilePV loads a FilePV from the given file paths
// or else generates a new one and saves it to the file paths.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath, stateFilePath)
	} else {
		pv = GenFilePV(keyFilePath, stateFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// SignPropose signs the propose, writing the signature into it.
// Implements PrivValidator.
func (pv *FilePV) SignPropose(chainID string, propose *types.Propose) error {
	signBytes := types.ProposeSignBytes(chainID, propose)
	sig, err := pv.signChecked(propose.Height, propose.Round, stepPropose, signBytes)
	if err != nil {
		return errors.Wrap(err, "error signing propose")
	}
	propose.Signature = sig
	return nil
}

// SignPrevote signs the prevote, writing the signature into it.
// Implements PrivValidator.
func (pv *FilePV) SignPrevote(chainID string, prevote *types.Prevote) error {
	signBytes := types.PrevoteSignBytes(chainID, prevote)
	sig, err := pv.signChecked(prevote.Height, prevote.Round, stepPrevote, signBytes)
	if err != nil {
		return errors.Wrap(err, "error signing prevote")
	}
	prevote.Signature = sig
	return nil
}

// SignPrecommit signs the precommit, writing the signature into it.
// Implements PrivValidator.
func (pv *FilePV) SignPrecommit(chainID string, precommit *types.Precommit) error {
	signBytes := types.PrecommitSignBytes(chainID, precommit)
	sig, err := pv.signChecked(precommit.Height, precommit.Round, stepPrecommit, signBytes)
	if err != nil {
		return errors.Wrap(err, "error signing precommit")
	}
	precommit.Signature = sig
	return nil
}

// SignBytes signs arbitrary sign-bytes without touching the last sign state.
// Only the three vote message kinds carry a double-sign hazard; requests,
// responses and status messages are signed directly.
// Implements PrivValidator.
func (pv *FilePV) SignBytes(signBytes []byte) ([]byte, error) {
	return pv.Key.PrivKey.Sign(signBytes)
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
	pv.LastSignState.Save()
}

// Reset resets all fields in the FilePV.
// NOTE: Unsafe!
func (pv *FilePV) Reset() {
	var sig []byte
	pv.LastSignState.Height = 0
	pv.LastSignState.Round = 0
	pv.LastSignState.Step = 0
	pv.LastSignState.Signature = sig
	pv.LastSignState.SignBytes = nil
	pv.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf(
		"PrivValidator{%v LH:%v, LR:%v, LS:%v}",
		pv.GetAddress(),
		pv.LastSignState.Height,
		pv.LastSignState.Round,
		pv.LastSignState.Step,
	)
}

//------------------------------------------------------------------------------------

// signChecked guards the actual signing with the last sign state: it refuses
// to sign a second, different payload at the same (height, round, step), and
// returns the cached signature when asked to re-sign the identical payload.
func (pv *FilePV) signChecked(height types.Height, round types.Round, step int8, signBytes []byte) ([]byte, error) {
	lss := &pv.LastSignState

	sameHRS, err := lss.CheckHRS(height, round, step)
	if err != nil {
		return nil, err
	}

	if sameHRS {
		if bytes.Equal(signBytes, lss.SignBytes) {
			return lss.Signature, nil
		}
		return nil, errors.New("conflicting data")
	}

	sig, err := pv.Key.PrivKey.Sign(signBytes)
	if err != nil {
		return nil, err
	}
	pv.saveSigned(height, round, step, signBytes, sig)
	return sig, nil
}

// saveSigned persists the last sign state after successfully signing.
func (pv *FilePV) saveSigned(height types.Height, round types.Round, step int8,
	signBytes []byte, sig []byte) {
	lss := &pv.LastSignState
	lss.Height = height
	lss.Round = round
	lss.Step = step
	lss.Signature = sig
	lss.SignBytes = signBytes
	lss.Save()
}
