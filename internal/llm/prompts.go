package llm

import (
	"fmt"
)

func vulnerabilityPrompt(contractName, source string) string {
	return fmt.Sprintf(`Analyze the following Solidity smart contract and identify ALL potential security vulnerabilities. 

Please structure your response as a JSON object with the following format:
{
    "contract_name": "%s",
    "total_vulnerabilities": <number>,
    "severity_breakdown": {
        "critical": <number>,
        "high": <number>,
        "medium": <number>,
        "low": <number>
    },
    "vulnerabilities": [
        {
            "title": "Vulnerability Name",
            "severity": "Critical/High/Medium/Low",
            "description": "Detailed description of the vulnerability",
            "location": "Function/Line where found",
            "impact": "Potential impact description",
            "recommendation": "How to fix this vulnerability"
        }
    ],
    "overall_risk_score": <1-10>,
    "summary": "Brief overall security assessment"
}

Look for common vulnerabilities including but not limited to:
- Reentrancy attacks
- Integer overflow/underflow
- Access control issues
- Unchecked external calls
- Gas limit issues
- Front-running vulnerabilities
- Timestamp dependence
- Uninitialized storage pointers
- Denial of Service attacks
- Logic errors

Contract code:
`+"```solidity\n%s\n```"+`

Please return ONLY the JSON object, no additional text.`, contractName, source)
}

func descriptionPrompt(source string) string {
	return fmt.Sprintf(`Analyze the following Solidity smart contract and provide a clear, comprehensive description of what it does. Focus on:

1. Main purpose and functionality
2. Key features and capabilities
3. Who would use this contract and why
4. What problems it solves
5. How users interact with it

Please provide a user-friendly description that explains the contract's purpose in plain English.

Contract code:
`+"```solidity\n%s\n```"+`

Provide the description in a clear, concise paragraph format.`, source)
}

func fixPrompt(contractName, source, findings string) string {
	prompt := fmt.Sprintf(`Please audit the following Solidity smart contract and provide a corrected version that:
1. Addresses any vulnerabilities or issues found
2. Maintains all original functionality
3. Preserves the original contract name "%s"
4. Uses the same or compatible Solidity version

IMPORTANT: Return ONLY the corrected Solidity code, wrapped inside triple backticks with `+"`solidity`"+` syntax highlighting, without any additional explanation or comments.

Original contract:
`+"```solidity\n%s\n```", contractName, source)

	if findings != "" {
		prompt += "\n\nIssues reported by automated analysis:\n" + findings
	}
	return prompt
}

func changeSummaryPrompt(contractName, original, fixed string) string {
	return fmt.Sprintf(`You previously fixed the %s contract. Please summarize:
1. What vulnerabilities were addressed
2. What changes were made
3. Why these changes improve security

Original contract:
`+"```solidity\n%s\n```"+`

Fixed contract:
`+"```solidity\n%s\n```", contractName, original, fixed)
}

func securitySummaryPrompt(contractName, source string) string {
	return fmt.Sprintf(`Analyze the security of the %s contract below and:
1. List potential vulnerabilities
2. Rate overall security (1-10)
3. Suggest improvements

Contract code:
`+"```solidity\n%s\n```", contractName, source)
}
