package acctapi

import (
	"io"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
)

var stmtColWidths = [...]float64{12, 58, 55, 55}

// renderStatement writes a single-document PDF listing every balance
// adjustment of acct, oldest first.
func renderStatement(w io.Writer, acct *Account, adjs []Adjustment, at time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Account statement "+acct.ID(), true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Account statement", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, "Account: "+acct.ID(), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Owner: "+acct.OwnerID(), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Opened: "+acct.CreatedAt().Format(time.RFC3339), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Generated: "+at.Format(time.RFC3339), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range []string{"#", "Date", "Delta", "Balance"} {
		pdf.CellFormat(stmtColWidths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	for i, adj := range adjs {
		pdf.CellFormat(stmtColWidths[0], 6, strconv.Itoa(i+1), "1", 0, "R", false, 0, "")
		pdf.CellFormat(stmtColWidths[1], 6, adj.CreatedAt.UTC().Format("2006-01-02 15:04:05"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(stmtColWidths[2], 6, adj.Delta.String(), "1", 0, "R", false, 0, "")
		pdf.CellFormat(stmtColWidths[3], 6, adj.BalanceAfter.String(), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	if len(adjs) == 0 {
		pdf.CellFormat(0, 6, "No balance adjustments.", "1", 1, "C", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 7, "Current balance: "+acct.Balance().String(), "", 1, "R", false, 0, "")

	return pdf.Output(w)
}
