package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

var decode = &cli.Command{
	Name:  "decode",
	Usage: "decodes nip19, nip21 or hex entities",
	Description: `example usage:
		nakr decode npub1uescmd5krhrmj9rcura833xpke5eqzvcz5nxjw74ufeewf2sscxq4g7chm
		nakr decode nsec1jrmyhtjhgd9yqalps8hf9mayvd58852gtz66m7tqpacjedkp6kxq4dyxsr`,
	ArgsUsage: "<npub | nprofile | nevent | naddr | note | nsec | hex>",
	Action: func(c *cli.Context) error {
		for input := range getStdinLinesOrFirstArgument(c) {
			res, err := decodeEntity(input)
			if err != nil {
				lineProcessingError(c, "%s", err)
				continue
			}
			fmt.Println(res.JSON())
		}
		exitIfLineProcessingError(c)
		return nil
	},
}

type DecodeResult struct {
	Type          string   `json:"type,omitempty"`
	PossibleTypes []string `json:"possible_types,omitempty"`
	Data          any      `json:"data,omitempty"`
	// PublicKey is derived when a secret key was decoded.
	PublicKey string `json:"pubkey,omitempty"`
}

func (d DecodeResult) JSON() string {
	j, _ := json.MarshalIndent(d, "", "  ")
	return string(j)
}

func decodeEntity(input string) (d DecodeResult, err error) {
	input = strings.TrimPrefix(input, "nostr:")
	if b, e := hex.DecodeString(input); e == nil {
		switch len(b) {
		case 64:
			d.PossibleTypes = []string{"sig"}
		case 32:
			d.PossibleTypes = []string{"pubkey", "private_key", "event_id"}
		default:
			return d, fmt.Errorf("hex string with invalid number of bytes: %d",
				len(b))
		}
		d.Data = input
		return
	}
	var prefix string
	if prefix, d.Data, err = nip19.Decode(input); err != nil {
		return d, fmt.Errorf("couldn't decode input '%s': %w", input, err)
	}
	d.Type = prefix
	if prefix == "nsec" {
		d.PublicKey, _ = nostr.GetPublicKey(d.Data.(string))
	}
	return
}

// decodePubkey accepts a hex pubkey, an npub or an nprofile.
func decodePubkey(input string) (string, error) {
	if nostr.IsValid32ByteHex(input) {
		return input, nil
	}
	d, err := decodeEntity(input)
	if err != nil {
		return "", err
	}
	switch v := d.Data.(type) {
	case string:
		if d.Type == "npub" {
			return v, nil
		}
	case nostr.ProfilePointer:
		return v.PublicKey, nil
	}
	return "", fmt.Errorf("'%s' is not a public key", input)
}
