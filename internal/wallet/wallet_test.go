package wallet

import (
	"testing"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

func TestNewWalletFreshInit(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatalf("generated mnemonic failed validation: %s", mnemonic)
	}

	w, err := New(chain.Regtest, mnemonic, "", 0, chain.AddressP2WPKH)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	addr, err := w.DepositAddress()
	if err != nil {
		t.Fatalf("DepositAddress() error = %v", err)
	}
	if len(addr) < 4 || addr[:4] != "bcrt" {
		t.Errorf("deposit address = %s, want bcrt1... prefix", addr)
	}
}

func TestLookAheadWindowStaysFilled(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	w, err := New(chain.Regtest, mnemonic, "", 0, chain.AddressP2WPKH)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sa, ok := w.SubAccount(0, SubExternal)
	if !ok {
		t.Fatal("expected external sub-account")
	}
	if uint32(len(sa.Keys)) < DefaultLookAhead {
		t.Errorf("len(Keys) = %d, want >= %d", len(sa.Keys), DefaultLookAhead)
	}

	for i := 0; i < 3; i++ {
		if _, err := w.DepositAddress(); err != nil {
			t.Fatalf("DepositAddress() iteration %d error = %v", i, err)
		}
	}

	if sa.NextIndex < 3 {
		t.Errorf("NextIndex = %d, want >= 3", sa.NextIndex)
	}
	if uint32(len(sa.Keys)) < sa.NextIndex+DefaultLookAhead {
		t.Errorf("look-ahead invariant violated: len(Keys)=%d NextIndex=%d LookAhead=%d",
			len(sa.Keys), sa.NextIndex, DefaultLookAhead)
	}
}

func TestClassifyScriptRecognisesIssuedAddress(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	w, err := New(chain.Regtest, mnemonic, "", 0, chain.AddressP2WPKH)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sa, _ := w.SubAccount(0, SubExternal)
	script := sa.Keys[0].ScriptPubKey

	d, ok := w.ClassifyScript(script)
	if !ok {
		t.Fatal("expected script to be classified as wallet-owned")
	}
	if d.AccountNumber != 0 || d.SubNumber != SubExternal || d.KeyIndex != 0 {
		t.Errorf("derivation = %+v, want account=0 sub=0 index=0", d)
	}

	if _, ok := w.ClassifyScript([]byte{0x00, 0x14, 0xff, 0xff}); ok {
		t.Error("expected random script to not classify")
	}
}

func TestDeriveSigningKeyMatchesIssuedScript(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	w, err := New(chain.Regtest, mnemonic, "", 0, chain.AddressP2WPKH)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sa, _ := w.SubAccount(0, SubExternal)
	d := Derivation{AccountNumber: 0, SubNumber: SubExternal, KeyIndex: 0}

	priv, err := w.DeriveSigningKey(d)
	if err != nil {
		t.Fatalf("DeriveSigningKey() error = %v", err)
	}

	script, _, err := scriptForAddressType(chain.AddressP2WPKH, priv.PubKey(), w.params)
	if err != nil {
		t.Fatalf("scriptForAddressType() error = %v", err)
	}
	if !bytesEqual(script, sa.Keys[0].ScriptPubKey) {
		t.Error("signing key does not reproduce the issued scriptPubKey")
	}
}

func TestEncryptDecryptMnemonicRoundTrip(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	password := "correct horse battery staple 1!"

	enc, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	got, err := DecryptMnemonic(enc, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if got != mnemonic {
		t.Errorf("decrypted mnemonic = %s, want %s", got, mnemonic)
	}

	if _, err := DecryptMnemonic(enc, "wrong passphrase entirely 12"); err == nil {
		t.Error("expected wrong passphrase to fail decryption")
	}
}
