package scanning

// receiptScanPrompt is the shared prompt used by the vision model scanners
const receiptScanPrompt = `You are analyzing a receipt or invoice document. Read all text in the image and extract:

1. Merchant: the store or business name, usually the largest text at the top.
2. Date: the transaction date in YYYY-MM-DD format.
3. Items: every purchased line with its description and amount.
4. Total: the final total or amount due as a number.

Return ONLY valid JSON in this exact format:
{
  "merchant": "Store Name",
  "date": "YYYY-MM-DD",
  "items": [{"description": "Item", "amount": 0.00}],
  "total": 0.00
}

If you cannot find a field, use null. Do not include any text before or after the JSON.`
