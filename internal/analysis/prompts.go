package analysis

import "fmt"

func verifyPrompt(text string) string {
	return fmt.Sprintf(`You are reviewing an uploaded document to confirm it is analyzable financial content.

Document text:
---
%s
---

State whether the document contains financial data (revenue, expenses, cash flow, balances), identify the document type, and give a one-paragraph quality assessment. Begin your answer with either VERIFIED or NOT_FINANCIAL.`, text)
}

func extractPrompt(text, query string) string {
	return fmt.Sprintf(`Extract the key financial findings from the document below, focused on this question: %q

Document text:
---
%s
---

Respond with a single JSON object, no prose, of the shape:
{"summary": "...", "metrics": [{"name": "...", "value": "...", "context": "..."}], "observations": ["..."]}
Include revenue, profitability, cash position, and notable ratios where present.`, query, text)
}

func investmentPrompt(findings, query string) string {
	return fmt.Sprintf(`Based on the financial findings below, provide an investment assessment for: %q

Findings:
---
%s
---

Cover: valuation (expensive/fair/cheap), a BUY/HOLD/SELL view with rationale, key catalysts, and key concerns. Write plain prose with short headings.`, query, findings)
}

func riskPrompt(findings, query string) string {
	return fmt.Sprintf(`Based on the financial findings below, assess the risks relevant to: %q

Findings:
---
%s
---

Cover: financial risks (leverage, liquidity), business risks, an overall risk rating (LOW/MODERATE/HIGH), and one or two practical mitigations.`, query, findings)
}

func synthesizePrompt(sections, query string) string {
	return fmt.Sprintf(`Combine the investment assessment and risk assessment below into one coherent analysis report answering: %q

Inputs:
---
%s
---

Produce a complete report with an executive summary, the investment view, the risk view, and a closing recommendation. Do not mention that the inputs were produced separately.`, query, sections)
}

func fallbackPrompt(text, query string) string {
	return fmt.Sprintf(`Provide a direct financial analysis of the document text below, answering: %q

Document text:
---
%s
---

Summarize the financial position, notable figures, and any investment-relevant observations in a single pass. Be concrete and cite numbers from the text.`, query, text)
}
