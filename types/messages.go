package types

import (
	"github.com/pkg/errors"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Wire type ids. Consensus messages first, then requests and responses.
const (
	ProposeType   uint16 = 0x01
	PrevoteType   uint16 = 0x02
	PrecommitType uint16 = 0x03
	StatusType    uint16 = 0x04

	ProposeRequestType      uint16 = 0x10
	TransactionsRequestType uint16 = 0x11
	PrevotesRequestType     uint16 = 0x12
	PeersRequestType        uint16 = 0x13
	BlockRequestType        uint16 = 0x14

	BlockResponseType        uint16 = 0x20
	TransactionsResponseType uint16 = 0x21
)

// Message is any signed protocol message. Every message names its author by
// validator id; the signature is checked against the registry entry for that
// id before the message reaches the consensus routine.
type Message interface {
	TypeID() uint16
	Author() ValidatorID
	SignBytes(chainID string) []byte
	Hash() tmbytes.HexBytes
	ValidateBasic() error
	String() string

	payload() []byte
	signature() []byte
}

// EncodeMessage serializes a signed message into a wire frame.
func EncodeMessage(m Message) ([]byte, error) {
	return EncodeFrame(m.TypeID(), m.payload(), m.signature())
}

// DecodeMessage parses a wire frame into its message. The signature is
// carried along unverified; use VerifyMessage once the author's key is known.
func DecodeMessage(bz []byte) (Message, error) {
	typeID, payload, sig, err := DecodeFrame(bz)
	if err != nil {
		return nil, err
	}
	var m Message
	switch typeID {
	case ProposeType:
		m, err = decodePropose(payload, sig)
	case PrevoteType:
		m, err = decodePrevote(payload, sig)
	case PrecommitType:
		m, err = decodePrecommit(payload, sig)
	case StatusType:
		m, err = decodeStatus(payload, sig)
	case ProposeRequestType:
		m, err = decodeProposeRequest(payload, sig)
	case TransactionsRequestType:
		m, err = decodeTransactionsRequest(payload, sig)
	case PrevotesRequestType:
		m, err = decodePrevotesRequest(payload, sig)
	case PeersRequestType:
		m, err = decodePeersRequest(payload, sig)
	case BlockRequestType:
		m, err = decodeBlockRequest(payload, sig)
	case BlockResponseType:
		m, err = decodeBlockResponse(payload, sig)
	case TransactionsResponseType:
		m, err = decodeTransactionsResponse(payload, sig)
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown message type 0x%x", typeID)
	}
	if err != nil {
		return nil, err
	}
	if err := m.ValidateBasic(); err != nil {
		return nil, err
	}
	return m, nil
}

// VerifyMessage checks the message signature against the given public key.
func VerifyMessage(chainID string, pubKey crypto.PubKey, m Message) error {
	if len(m.signature()) != SignatureSize {
		return errors.Wrapf(ErrBadSignature, "signature is %d bytes", len(m.signature()))
	}
	if !pubKey.VerifySignature(m.SignBytes(chainID), m.signature()) {
		return errors.Wrapf(ErrBadSignature, "%v from validator %d", m.Hash(), m.Author())
	}
	return nil
}
