package store

import (
	"io"

	"github.com/pkg/errors"

	"salesd/internal/wire"
)

// Sale is one immutable sales event. Quantity and price are accepted as
// given; zero and negative values are legal.
type Sale struct {
	Product  string
	Quantity int32
	Price    float64
}

// writeSale appends one record: UTF product, int32 quantity, float64 price.
func writeSale(w io.Writer, s Sale) error {
	if err := wire.WriteUTF(w, s.Product); err != nil {
		return err
	}
	if err := wire.WriteInt32(w, s.Quantity); err != nil {
		return err
	}
	return wire.WriteFloat64(w, s.Price)
}

// readSale reads one record. io.EOF before the first field means the file
// ended cleanly; EOF inside a record is a truncation error.
func readSale(r io.Reader) (Sale, error) {
	product, err := wire.ReadUTF(r)
	if err != nil {
		if err == io.EOF {
			return Sale{}, io.EOF
		}
		return Sale{}, err
	}
	qty, err := wire.ReadInt32(r)
	if err != nil {
		return Sale{}, errors.Wrap(truncated(err), "store: sale quantity")
	}
	price, err := wire.ReadFloat64(r)
	if err != nil {
		return Sale{}, errors.Wrap(truncated(err), "store: sale price")
	}
	return Sale{Product: product, Quantity: qty, Price: price}, nil
}

func truncated(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
